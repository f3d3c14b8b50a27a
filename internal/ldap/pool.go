package ldap

import (
	"context"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldappool/internal/pool"
)

// NewPool creates a pool of sessions opened by manager. The pool closes the
// sessions it retires and only retries connect errors that IsRetryableError
// accepts.
func NewPool(ctx context.Context, manager ConnectionManager, config *pool.Config) (*pool.Pool[*ldap.Conn], error) {
	return pool.New[*ldap.Conn](ctx, manager, config,
		pool.WithDiscard(closeSession),
		pool.WithRetryable[*ldap.Conn](IsRetryableError),
	)
}

// closeSession closes a retired session, which also ends its reader goroutines.
func closeSession(conn *ldap.Conn) {
	if conn != nil {
		conn.Close()
	}
}
