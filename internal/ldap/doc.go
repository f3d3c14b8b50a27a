/*
Package ldap teaches a generic connection pool how to create, validate and
retire sessions to an LDAP directory server.

# Connection Management

ConnectionManager implements the pool.Manager capability set for go-ldap
sessions (*ldap.Conn):

  - Connect dials the endpoint (ldap://, ldaps:// or ldapi://), starts the
    session's reader goroutines and optionally upgrades it with StartTLS
  - IsValid runs a WhoAmI extended operation bounded by ProbeTimeout
  - HasBroken reports, without any I/O, whether the session has been torn down

The manager never retries, binds or closes a session. Retry, backoff, idle
reaping and closing are pool policy; NewPool wires a pool.Pool accordingly.

# Sessions

A session returned by Connect is always started: its reader and message
processing goroutines own the transport for as long as the session lives and
exit when the transport fails or the session is closed. HasBroken only sees
that local teardown, so a half-open transport whose peer vanished silently is
reported as healthy until IsValid probes it.

# Authentication

IsValid does not assume the session is bound. Most servers answer WhoAmI
anonymously with an empty authorization identity, which counts as valid
unless ConnectionSettings.RequireBound is set.

# Error Handling

Every failure is returned as the *ldap.Error produced by go-ldap, or wrapped
into one with code ErrorNetwork for transport establishment failures.
GetErrorCategory and IsRetryableError classify them for callers that need to.

# Example Usage

	manager := ldap.NewConnectionManager("ldaps://dc1.example.com").
		WithConnectionSettings(settings)

	p, err := ldap.NewPool(ctx, manager, pool.DefaultConfig())
	if err != nil {
		return err
	}
	defer p.Close()

	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	result, err := conn.Value().Search(searchRequest)
*/
package ldap
