package ldap

import (
	"errors"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

var (
	// ErrSessionNotBound is reported by IsValid when RequireBound is set and
	// the probe shows an anonymous session.
	ErrSessionNotBound = errors.New("session is not bound")

	// ErrNilSession is reported when a nil session is probed.
	ErrNilSession = errors.New("session is nil")
)

// GetErrorCategory returns the category of an error. Errors from the
// connection manager arrive as *ldap.Error; the category is derived from
// the wrapped cause first, then from the result code.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	cause := err
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) && ldapErr.Err != nil {
		cause = ldapErr.Err
	}

	switch {
	case errors.Is(cause, ErrInvalidEndpoint), errors.Is(cause, ErrInvalidSettings), errors.Is(cause, ErrNilSession):
		return ErrorCategoryValidation
	case errors.Is(cause, ErrSessionNotBound):
		return ErrorCategoryAuthentication
	}

	if ldapErr != nil {
		return categorizeError(ldapErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultOperationsError:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.LDAPResultTimeout,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "broken pipe") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") {
		return ErrorCategoryAuthentication
	}

	return ErrorCategoryUnknown
}

// IsRetryableError reports whether opening a new session after err may succeed.
// Malformed endpoints and settings never become valid by retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch GetErrorCategory(err) {
	case ErrorCategoryConnection, ErrorCategoryServer:
		return true
	case ErrorCategoryValidation, ErrorCategoryAuthentication, ErrorCategoryPermission:
		return false
	}

	return isGenericErrorRetryable(err)
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection",
		"timeout",
		"network",
		"broken pipe",
		"temporary failure",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
