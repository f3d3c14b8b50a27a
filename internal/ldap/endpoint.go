package ldap

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint schemes and default ports.
const (
	SchemeLDAP  = "ldap"
	SchemeLDAPS = "ldaps"
	SchemeLDAPI = "ldapi"

	DefaultLDAPPort  = 389
	DefaultLDAPSPort = 636

	// DefaultLDAPISocket is used for ldapi:// endpoints without a socket path.
	DefaultLDAPISocket = "/var/run/slapd/ldapi"
)

// ErrInvalidEndpoint is wrapped by every endpoint parsing failure.
var ErrInvalidEndpoint = errors.New("invalid LDAP endpoint")

// Endpoint is the parsed form of a directory server address.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Path     string // Unix socket path for ldapi://
	Priority int
	Weight   int
	Source   string // "config", "srv", "fallback"
}

// ParseEndpoint parses an ldap://, ldaps:// or ldapi:// URL.
func ParseEndpoint(endpoint string) (*Endpoint, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint cannot be empty", ErrInvalidEndpoint)
	}

	// ldapi:// carries a percent-encoded socket path where the host would be,
	// which net/url refuses to parse.
	if len(endpoint) >= len(SchemeLDAPI)+3 && strings.EqualFold(endpoint[:len(SchemeLDAPI)+3], SchemeLDAPI+"://") {
		return parseLDAPIEndpoint(endpoint[len(SchemeLDAPI)+3:])
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	scheme := strings.ToLower(u.Scheme)
	var port int
	switch scheme {
	case SchemeLDAP:
		port = DefaultLDAPPort
	case SchemeLDAPS:
		port = DefaultLDAPSPort
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q, must be ldap://, ldaps:// or ldapi://", ErrInvalidEndpoint, u.Scheme)
	}

	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port number: %s", ErrInvalidEndpoint, portStr)
		}
	}

	parsed := &Endpoint{
		Scheme: scheme,
		Host:   u.Hostname(),
		Port:   port,
		Weight: 100,
		Source: "config",
	}

	return parsed, ValidateEndpoint(parsed)
}

func parseLDAPIEndpoint(rest string) (*Endpoint, error) {
	path, err := url.PathUnescape(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	if path == "" || path == "/" {
		path = DefaultLDAPISocket
	}

	return &Endpoint{
		Scheme: SchemeLDAPI,
		Path:   path,
		Weight: 100,
		Source: "config",
	}, nil
}

// ValidateEndpoint validates a network endpoint.
func ValidateEndpoint(endpoint *Endpoint) error {
	if endpoint == nil {
		return fmt.Errorf("%w: endpoint cannot be nil", ErrInvalidEndpoint)
	}

	if endpoint.Scheme == SchemeLDAPI {
		if endpoint.Path == "" {
			return fmt.Errorf("%w: socket path cannot be empty", ErrInvalidEndpoint)
		}
		return nil
	}

	if endpoint.Host == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidEndpoint)
	}

	if endpoint.Port <= 0 || endpoint.Port > 65535 {
		return fmt.Errorf("%w: invalid port number: %d", ErrInvalidEndpoint, endpoint.Port)
	}

	if endpoint.Priority < 0 {
		return fmt.Errorf("%w: priority cannot be negative: %d", ErrInvalidEndpoint, endpoint.Priority)
	}

	if endpoint.Weight < 0 {
		return fmt.Errorf("%w: weight cannot be negative: %d", ErrInvalidEndpoint, endpoint.Weight)
	}

	return nil
}

// UseTLS reports whether the transport is TLS from the first byte.
func (e *Endpoint) UseTLS() bool {
	return e.Scheme == SchemeLDAPS
}

// Network returns the dial network.
func (e *Endpoint) Network() string {
	if e.Scheme == SchemeLDAPI {
		return "unix"
	}
	return "tcp"
}

// Address returns the dial address.
func (e *Endpoint) Address() string {
	if e.Scheme == SchemeLDAPI {
		return e.Path
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL converts the endpoint back to an LDAP URL.
func (e *Endpoint) URL() string {
	if e.Scheme == SchemeLDAPI {
		return SchemeLDAPI + "://" + strings.ReplaceAll(url.PathEscape(e.Path), "/", "%2F")
	}
	return fmt.Sprintf("%s://%s", e.Scheme, e.Address())
}
