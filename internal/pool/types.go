package pool

import (
	"context"
	"errors"
	"time"

	"github.com/creasty/defaults"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

var (
	// ErrPoolClosed is returned when a connection is requested from a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolExhausted is returned when no connection became available before the context ended.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Manager is the capability set the pool needs to create, validate and
// retire connections of type C. The pool never inspects C itself.
type Manager[C any] interface {
	// Connect opens a new, fully serviceable connection.
	Connect(ctx context.Context) (C, error)

	// IsValid performs a round trip against the connection. Any error
	// means the connection is discarded.
	IsValid(ctx context.Context, conn C) error

	// HasBroken is a cheap local check for a connection that can no
	// longer be used. It must not block.
	HasBroken(conn C) bool
}

// Config holds the pool policy.
type Config struct {
	MaxConnections int           `default:"10"`   // Maximum open connections
	MinIdle        int           `default:"0"`    // Connections opened eagerly by New
	MaxIdleTime    time.Duration `default:"5m"`   // Idle connections older than this are retired
	HealthCheck    time.Duration `default:"30s"`  // Health check interval, 0 disables
	TestOnCheckout bool          `default:"true"` // Run IsValid before handing out an idle connection
	ValidTimeout   time.Duration `default:"5s"`   // Upper bound for a single IsValid call made by the pool

	// Retry settings
	MaxRetries     int           `default:"3"`
	InitialBackoff time.Duration `default:"500ms"`
	MaxBackoff     time.Duration `default:"30s"`
	BackoffFactor  float64       `default:"2.0"`
}

// DefaultConfig returns the default pool policy.
func DefaultConfig() *Config {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		// Tags are static; failure here is a programming error.
		panic(err)
	}
	return config
}

// Stats provides statistics about the pool.
type Stats struct {
	Total     int           // Open connections (active + idle)
	Active    int64         // Checked-out connections
	Idle      int           // Idle connections
	Created   int64         // Connections created
	Discarded int64         // Connections discarded
	Errors    int64         // Connect errors
	Uptime    time.Duration // Pool uptime
}
