package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldappool/internal/pool"
)

// ProbeTimeout bounds the liveness probe issued by IsValid.
const ProbeTimeout = time.Second

// ConnectionManager creates, validates and retires sessions to one directory
// server on behalf of a pool. It is an immutable value: copies are
// independent and safe to share between goroutines.
type ConnectionManager struct {
	endpoint string
	settings ConnectionSettings
}

var _ pool.Manager[*ldap.Conn] = ConnectionManager{}

// NewConnectionManager creates a manager for endpoint with default settings.
// The endpoint is not parsed until Connect.
func NewConnectionManager(endpoint string) ConnectionManager {
	return ConnectionManager{
		endpoint: endpoint,
		settings: DefaultConnectionSettings(),
	}
}

// WithConnectionSettings returns a copy of m using settings.
func (m ConnectionManager) WithConnectionSettings(settings ConnectionSettings) ConnectionManager {
	m.settings = settings.Clone()
	return m
}

// Endpoint returns the configured endpoint.
func (m ConnectionManager) Endpoint() string {
	return m.endpoint
}

// Settings returns a copy of the configured settings.
func (m ConnectionManager) Settings() ConnectionSettings {
	return m.settings.Clone()
}

// Connect opens a new session. The returned connection's reader and message
// processing goroutines are already running. Errors are not retried.
func (m ConnectionManager) Connect(ctx context.Context) (*ldap.Conn, error) {
	start := time.Now()
	fields := map[string]any{
		"endpoint":  m.endpoint,
		"start_tls": m.settings.StartTLS,
	}
	LogConnectionEvent(ctx, "connection_attempt", fields)

	conn, err := m.connect(ctx)
	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		LogConnectionEvent(ctx, "connection_failed", fields)
		return nil, err
	}

	LogConnectionEvent(ctx, "connection_established", fields)
	return conn, nil
}

func (m ConnectionManager) connect(ctx context.Context) (*ldap.Conn, error) {
	if err := m.settings.Validate(); err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	endpoint, err := ParseEndpoint(m.endpoint)
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	if m.settings.StartTLS && endpoint.UseTLS() {
		return nil, ldap.NewError(ldap.ErrorNetwork,
			fmt.Errorf("%w: StartTLS cannot be combined with %s://", ErrInvalidSettings, endpoint.Scheme))
	}

	netConn, err := m.dial(ctx, endpoint)
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	conn := ldap.NewConn(netConn, endpoint.UseTLS())
	// Nothing can be sent or received until the session is started.
	conn.Start()

	if m.settings.RequestTimeout > 0 {
		conn.SetTimeout(m.settings.RequestTimeout)
	}

	if m.settings.StartTLS {
		tlsConfig, err := m.settings.tlsConfigFor(endpoint.Host)
		if err != nil {
			conn.Close()
			return nil, ldap.NewError(ldap.ErrorNetwork, err)
		}
		if err := conn.StartTLS(tlsConfig); err != nil {
			LogLDAPError(ctx, "start_tls", err, map[string]any{"endpoint": m.endpoint})
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// dial establishes the transport, including the TLS handshake for ldaps://.
func (m ConnectionManager) dial(ctx context.Context, endpoint *Endpoint) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: m.settings.ConnectTimeout}

	if !endpoint.UseTLS() {
		return dialer.DialContext(ctx, endpoint.Network(), endpoint.Address())
	}

	tlsConfig, err := m.settings.tlsConfigFor(endpoint.Host)
	if err != nil {
		return nil, err
	}

	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    tlsConfig,
	}
	return tlsDialer.DialContext(ctx, endpoint.Network(), endpoint.Address())
}

type probeResult struct {
	result *ldap.WhoAmIResult
	err    error
}

// IsValid probes the session with a WhoAmI extended operation bounded by
// ProbeTimeout. Timeouts, transport errors and non-success result codes are
// all returned as errors.
//
// The probe does not require a bound session. Set RequireBound to also
// reject sessions that report an empty authorization identity.
func (m ConnectionManager) IsValid(ctx context.Context, conn *ldap.Conn) error {
	if conn == nil {
		return ldap.NewError(ldap.ErrorNetwork, ErrNilSession)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	// The request timer ends the probe even once nobody waits for it, so the
	// session timeout is only restored after WhoAmI has returned.
	conn.SetTimeout(ProbeTimeout)

	done := make(chan probeResult, 1)
	go func() {
		result, err := conn.WhoAmI(nil)
		conn.SetTimeout(m.settings.RequestTimeout)
		done <- probeResult{result: result, err: err}
	}()

	var probe probeResult
	select {
	case probe = <-done:
	case <-ctx.Done():
		probe.err = ldap.NewError(ldap.ErrorNetwork,
			fmt.Errorf("liveness probe did not complete within %s: %w", ProbeTimeout, ctx.Err()))
	}

	fields := map[string]any{
		"endpoint":    m.endpoint,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if probe.err == nil && m.settings.RequireBound && (probe.result == nil || probe.result.AuthzID == "") {
		probe.err = ldap.NewError(ldap.LDAPResultInappropriateAuthentication, ErrSessionNotBound)
	}

	if probe.err != nil {
		fields["error"] = probe.err.Error()
		LogConnectionEvent(ctx, "probe_failed", fields)
		return probe.err
	}

	if probe.result != nil {
		fields["authz_id"] = probe.result.AuthzID
	}
	LogConnectionEvent(ctx, "probe_succeeded", fields)
	return nil
}

// HasBroken reports whether the session's connection to its reader has been
// torn down. It performs no I/O. A half-open transport whose peer has
// silently gone away still reports false; only IsValid detects that case.
func (m ConnectionManager) HasBroken(conn *ldap.Conn) bool {
	return conn == nil || conn.IsClosing()
}
