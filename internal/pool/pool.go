package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"
)

// Pool hands out connections created by a Manager and takes them back.
type Pool[C any] struct {
	ctx       context.Context // Logging context with pool subsystem
	manager   Manager[C]
	config    *Config
	discard   func(C)
	retryable func(error) bool

	idle   chan *Conn[C]
	slots  chan struct{} // One token per open connection
	mu     sync.RWMutex
	closed bool

	// Statistics
	activeConns    int64
	totalCreated   int64
	totalDiscarded int64
	totalErrors    int64
	startTime      time.Time

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// Conn is a connection checked out of a Pool.
type Conn[C any] struct {
	id        string
	value     C
	createdAt time.Time
	lastUsed  time.Time
	broken    bool
	released  atomic.Bool
	discarded atomic.Bool
	pool      *Pool[C]
}

// Option customises a Pool.
type Option[C any] func(*Pool[C])

// WithDiscard sets the function used to dispose of a connection the pool retires.
func WithDiscard[C any](fn func(C)) Option[C] {
	return func(p *Pool[C]) {
		p.discard = fn
	}
}

// WithRetryable sets the classifier deciding whether a failed Connect is retried.
// By default every error is retried.
func WithRetryable[C any](fn func(error) bool) Option[C] {
	return func(p *Pool[C]) {
		p.retryable = fn
	}
}

// New creates a pool over manager. MinIdle connections are opened before it returns.
func New[C any](ctx context.Context, manager Manager[C], config *Config, opts ...Option[C]) (*Pool[C], error) {
	start := time.Now()
	tflog.SubsystemDebug(ctx, "pool", "Creating new connection pool")

	if manager == nil {
		return nil, errors.New("manager cannot be nil")
	}

	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pool[C]{
		ctx:        ctx,
		manager:    manager,
		config:     config,
		idle:       make(chan *Conn[C], config.MaxConnections),
		slots:      make(chan struct{}, config.MaxConnections),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.warm(ctx); err != nil {
		_ = p.Close()
		tflog.SubsystemError(ctx, "pool", "Pool warm-up failed", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("pool warm-up failed: %w", err)
	}

	if config.HealthCheck > 0 {
		p.startHealthChecker()
	}

	tflog.SubsystemDebug(ctx, "pool", "Connection pool created", map[string]any{
		"duration":        time.Since(start).String(),
		"max_connections": config.MaxConnections,
		"min_idle":        config.MinIdle,
	})
	return p, nil
}

// warm opens MinIdle connections concurrently.
func (p *Pool[C]) warm(ctx context.Context) error {
	if p.config.MinIdle == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for range p.config.MinIdle {
		p.slots <- struct{}{}
		g.Go(func() error {
			conn, err := p.createConnection(gctx)
			if err != nil {
				<-p.slots
				return err
			}
			p.requeue(conn)
			return nil
		})
	}
	return g.Wait()
}

// Get retrieves a connection from the pool, creating one if the pool is below
// MaxConnections, or waiting for one to be released otherwise.
func (p *Pool[C]) Get(ctx context.Context) (*Conn[C], error) {
	for {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			return nil, ErrPoolClosed
		}

		// Prefer an idle connection
		select {
		case conn, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if p.checkout(ctx, conn) {
				return conn, nil
			}
			continue
		default:
		}

		// Then a free slot
		select {
		case p.slots <- struct{}{}:
			return p.newConnection(ctx)
		default:
		}

		tflog.SubsystemDebug(p.ctx, "pool", "Pool exhausted, waiting for a connection", map[string]any{
			"max_connections": p.config.MaxConnections,
		})

		select {
		case conn, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if p.checkout(ctx, conn) {
				return conn, nil
			}
		case p.slots <- struct{}{}:
			return p.newConnection(ctx)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
		}
	}
}

// checkout decides whether an idle connection can be handed out.
func (p *Pool[C]) checkout(ctx context.Context, conn *Conn[C]) bool {
	if p.manager.HasBroken(conn.value) {
		tflog.SubsystemDebug(p.ctx, "pool", "Discarding broken idle connection", map[string]any{
			"connection_id": conn.id,
		})
		p.discardConnection(conn)
		return false
	}

	if idle := time.Since(conn.lastUsed); p.config.MaxIdleTime > 0 && idle > p.config.MaxIdleTime {
		tflog.SubsystemDebug(p.ctx, "pool", "Discarding idle connection past MaxIdleTime", map[string]any{
			"connection_id": conn.id,
			"idle_ms":       idle.Milliseconds(),
		})
		p.discardConnection(conn)
		return false
	}

	if p.config.TestOnCheckout {
		vctx, cancel := context.WithTimeout(ctx, p.config.ValidTimeout)
		err := p.manager.IsValid(vctx, conn.value)
		cancel()
		if err != nil {
			tflog.SubsystemWarn(p.ctx, "pool", "Idle connection failed validation", map[string]any{
				"connection_id": conn.id,
				"error":         err.Error(),
			})
			p.discardConnection(conn)
			return false
		}
	}

	conn.lastUsed = time.Now()
	conn.released.Store(false)
	atomic.AddInt64(&p.activeConns, 1)
	return true
}

// newConnection creates a connection for a caller that already holds a slot.
func (p *Pool[C]) newConnection(ctx context.Context) (*Conn[C], error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		<-p.slots
		return nil, ErrPoolClosed
	}

	conn, err := p.createConnection(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	atomic.AddInt64(&p.activeConns, 1)
	return conn, nil
}

// createConnection creates a connection with retry logic.
func (p *Pool[C]) createConnection(ctx context.Context) (*Conn[C], error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		start := time.Now()
		value, err := p.manager.Connect(ctx)
		if err == nil {
			conn := &Conn[C]{
				id:        uuid.NewString(),
				value:     value,
				createdAt: time.Now(),
				lastUsed:  time.Now(),
				pool:      p,
			}
			atomic.AddInt64(&p.totalCreated, 1)
			tflog.SubsystemDebug(p.ctx, "pool", "Connection created", map[string]any{
				"connection_id": conn.id,
				"attempt":       attempt + 1,
				"duration_ms":   time.Since(start).Milliseconds(),
			})
			return conn, nil
		}

		lastErr = err
		atomic.AddInt64(&p.totalErrors, 1)
		tflog.SubsystemWarn(p.ctx, "pool", "Connection attempt failed", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})

		if p.retryable != nil && !p.retryable(err) {
			break
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	return nil, fmt.Errorf("failed to create connection: %w", lastErr)
}

// put takes back a checked-out connection.
func (p *Pool[C]) put(conn *Conn[C]) {
	if conn == nil || conn.released.Swap(true) {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	if conn.broken || p.manager.HasBroken(conn.value) {
		p.discardConnection(conn)
		return
	}

	conn.lastUsed = time.Now()
	p.requeue(conn)
}

// requeue puts a connection on the idle queue, discarding it if the pool is closed.
func (p *Pool[C]) requeue(conn *Conn[C]) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.discardConnection(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		p.discardConnection(conn)
	}
}

// discardConnection retires a connection and frees its slot.
func (p *Pool[C]) discardConnection(conn *Conn[C]) {
	if conn == nil || conn.discarded.Swap(true) {
		return
	}

	if p.discard != nil {
		p.discard(conn.value)
	}
	<-p.slots
	atomic.AddInt64(&p.totalDiscarded, 1)
}

// Close discards all idle connections and shuts down the pool. Connections
// still checked out are discarded when released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	p.mu.Lock()
	close(p.idle)
	p.mu.Unlock()

	for conn := range p.idle {
		p.discardConnection(conn)
	}

	tflog.SubsystemDebug(p.ctx, "pool", "Connection pool closed", map[string]any{
		"created":   atomic.LoadInt64(&p.totalCreated),
		"discarded": atomic.LoadInt64(&p.totalDiscarded),
	})
	return nil
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() Stats {
	return Stats{
		Total:     len(p.slots),
		Active:    atomic.LoadInt64(&p.activeConns),
		Idle:      len(p.idle),
		Created:   atomic.LoadInt64(&p.totalCreated),
		Discarded: atomic.LoadInt64(&p.totalDiscarded),
		Errors:    atomic.LoadInt64(&p.totalErrors),
		Uptime:    time.Since(p.startTime),
	}
}

// startHealthChecker starts the periodic health checker.
func (p *Pool[C]) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck validates up to three idle connections.
func (p *Pool[C]) performHealthCheck() {
	var toCheck []*Conn[C]

healthCheckLoop:
	for range 3 {
		select {
		case conn, ok := <-p.idle:
			if !ok {
				break healthCheckLoop
			}
			toCheck = append(toCheck, conn)
		default:
			break healthCheckLoop
		}
	}

	for _, conn := range toCheck {
		if p.testConnection(conn) {
			p.requeue(conn)
		} else {
			tflog.SubsystemWarn(p.ctx, "pool", "Health check failed, discarding connection", map[string]any{
				"connection_id": conn.id,
			})
			p.discardConnection(conn)
		}
	}
}

// testConnection runs the cheap check first, then the round trip.
func (p *Pool[C]) testConnection(conn *Conn[C]) bool {
	if p.manager.HasBroken(conn.value) {
		return false
	}

	if p.config.MaxIdleTime > 0 && time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.ValidTimeout)
	defer cancel()

	return p.manager.IsValid(ctx, conn.value) == nil
}

// validateConfig validates the pool configuration.
func validateConfig(config *Config) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MinIdle < 0 || config.MinIdle > config.MaxConnections {
		return errors.New("MinIdle must be between 0 and MaxConnections")
	}

	if config.MaxIdleTime < 0 {
		return errors.New("MaxIdleTime cannot be negative")
	}

	if config.HealthCheck < 0 {
		return errors.New("HealthCheck cannot be negative")
	}

	if config.ValidTimeout <= 0 {
		return errors.New("ValidTimeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}

// Value returns the underlying connection.
func (c *Conn[C]) Value() C {
	return c.value
}

// ID returns the pool-assigned identifier of the connection.
func (c *Conn[C]) ID() string {
	return c.id
}

// CreatedAt returns when the connection was opened.
func (c *Conn[C]) CreatedAt() time.Time {
	return c.createdAt
}

// MarkBroken makes Release discard the connection instead of reusing it.
func (c *Conn[C]) MarkBroken() {
	c.broken = true
}

// Release returns the connection to its pool. Calling it more than once has no effect.
func (c *Conn[C]) Release() {
	if c.pool != nil {
		c.pool.put(c)
	}
}
