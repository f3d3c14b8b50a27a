package ldap

import (
	"context"
	"errors"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// NewLoggingContext registers the "ldap" and "pool" subsystems on ctx.
// Levels are read from LDAPPOOL_LOG_LDAP and LDAPPOOL_LOG_POOL.
func NewLoggingContext(ctx context.Context) context.Context {
	ctx = tflog.NewSubsystem(ctx, "ldap",
		tflog.WithLevelFromEnv("LDAPPOOL_LOG_LDAP"))
	return tflog.NewSubsystem(ctx, "pool",
		tflog.WithLevelFromEnv("LDAPPOOL_LOG_POOL"))
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["error_category"] = string(GetErrorCategory(err))

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, "ldap", "LDAP operation failed", SanitizeFields(fields))
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event
	fields = SanitizeFields(fields)

	switch event {
	case "connection_established", "probe_succeeded":
		tflog.SubsystemDebug(ctx, "ldap", "Connection event", fields)
	case "connection_failed", "probe_failed":
		tflog.SubsystemWarn(ctx, "ldap", "Connection event", fields)
	case "connection_attempt", "probe_attempt":
		tflog.SubsystemTrace(ctx, "ldap", "Connection event", fields)
	default:
		tflog.SubsystemDebug(ctx, "ldap", "Connection event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"secret":      true,
		"token":       true,
		"private_key": true,
		"credential":  true,
		"credentials": true,
		"tls_ca_cert": true,
	}

	for k, v := range fields {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
