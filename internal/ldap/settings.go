package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSettings is wrapped by every settings validation failure.
var ErrInvalidSettings = errors.New("invalid connection settings")

// ConnectionSettings holds the protocol-level options used when opening a session.
type ConnectionSettings struct {
	// Transport settings
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"` // Dial and TLS handshake bound, 0 disables
	RequestTimeout time.Duration `yaml:"request_timeout"`               // Per-request timeout applied after connect, 0 disables

	// TLS settings
	StartTLS           bool        `yaml:"start_tls"`            // Upgrade ldap:// sessions with StartTLS
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"` // Skip certificate verification (not recommended)
	TLSCACertFile      string      `yaml:"tls_ca_cert_file"`     // Path to CA certificate file
	TLSCACert          string      `yaml:"tls_ca_cert"`          // CA certificate content
	TLSConfig          *tls.Config `yaml:"-"`                    // Base TLS configuration, cloned per connection

	// Probe settings
	//
	// RequireBound makes IsValid reject sessions whose WhoAmI response carries
	// an empty authorization identity, i.e. anonymous sessions. Most servers
	// answer WhoAmI without a prior bind, so by default an unbound session
	// that completes the probe is valid.
	RequireBound bool `yaml:"require_bound"`
}

// DefaultConnectionSettings returns the default settings: 30s connect timeout,
// no request timeout, plaintext unless the endpoint is ldaps://, TLS 1.2 minimum.
func DefaultConnectionSettings() ConnectionSettings {
	settings := ConnectionSettings{}
	if err := defaults.Set(&settings); err != nil {
		panic(err)
	}

	settings.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return settings
}

// ParseConnectionSettings reads settings from a YAML document. Keys that are
// absent keep their default value.
func ParseConnectionSettings(data []byte) (ConnectionSettings, error) {
	settings := DefaultConnectionSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return ConnectionSettings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	if err := settings.Validate(); err != nil {
		return ConnectionSettings{}, err
	}

	return settings, nil
}

// LoadConnectionSettings reads settings from a YAML file.
func LoadConnectionSettings(path string) (ConnectionSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionSettings{}, fmt.Errorf("failed to read connection settings: %w", err)
	}

	return ParseConnectionSettings(data)
}

// Validate checks the settings for values that can never work.
func (s ConnectionSettings) Validate() error {
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("%w: connect timeout cannot be negative", ErrInvalidSettings)
	}

	if s.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout cannot be negative", ErrInvalidSettings)
	}

	return nil
}

// Clone returns a deep copy of the settings.
func (s ConnectionSettings) Clone() ConnectionSettings {
	s.TLSConfig = s.TLSConfig.Clone()
	return s
}

// tlsConfigFor prepares the TLS configuration for a connection to host.
func (s ConnectionSettings) tlsConfigFor(host string) (*tls.Config, error) {
	var tlsConfig *tls.Config
	if s.TLSConfig != nil {
		tlsConfig = s.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if s.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if s.TLSCACertFile != "" || s.TLSCACert != "" {
		pool, err := buildCertPool(s.TLSCACertFile, s.TLSCACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if !tlsConfig.InsecureSkipVerify && tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}

	return tlsConfig, nil
}

// buildCertPool returns the system pool extended with the given CA certificates.
func buildCertPool(caCertFile, caCert string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if caCertFile != "" {
		data, err := os.ReadFile(caCertFile)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read CA certificate file %s: %w", ErrInvalidSettings, caCertFile, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w: invalid PEM format in CA certificate file %s", ErrInvalidSettings, caCertFile)
		}
	}

	if caCert != "" {
		if !pool.AppendCertsFromPEM([]byte(caCert)) {
			return nil, fmt.Errorf("%w: invalid PEM format in CA certificate", ErrInvalidSettings)
		}
	}

	return pool, nil
}
