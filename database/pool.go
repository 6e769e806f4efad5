package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig holds the sizing knobs of a PoolFactory.
type PoolConfig struct {
	MaxConnections int           // 0 means unbounded
	MinConnections int           // Optional, connections opened up front and kept idle
	Ping           bool          // Ping reused connections before handing them out
	AcquireTimeout time.Duration // Optional, bounds how long Connect waits for a free slot
}

// PoolStats is a snapshot of a pool's counters.
type PoolStats struct {
	MaxConnections int
	MinConnections int
	InUse          int
	Idle           int
	Waiters        int
}

// PoolFactory hands out connections from a bounded pool.
//
// Idle connections are reused most-recently-returned first. When the pool
// is bounded and every slot is checked out, Connect blocks until a
// connection is released, the context is done or the pool is closed.
// Blocked callers are woken in arrival order.
type PoolFactory struct {
	mu sync.Mutex

	db     *Database
	logger *slog.Logger

	max            int
	min            int
	ping           bool
	acquireTimeout time.Duration

	inUse   int
	idle    []*Connection
	waiters []chan struct{}

	closed  bool
	drained chan struct{} // closed when inUse reaches zero after Close
}

// NewPoolFactory returns a pool sized by config. It has no connections
// until it is attached to a database.
func NewPoolFactory(config PoolConfig) (*PoolFactory, error) {
	if config.MaxConnections < 0 || config.MinConnections < 0 {
		return nil, fmt.Errorf("database: pool sizes must not be negative (max %d, min %d)", config.MaxConnections, config.MinConnections)
	}
	if config.MaxConnections != 0 && config.MinConnections > config.MaxConnections {
		return nil, fmt.Errorf("database: pool min_connections %d exceeds max_connections %d", config.MinConnections, config.MaxConnections)
	}
	return &PoolFactory{
		logger:         slog.Default(),
		max:            config.MaxConnections,
		min:            config.MinConnections,
		ping:           config.Ping,
		acquireTimeout: config.AcquireTimeout,
	}, nil
}

// Database attaches the pool to db and opens MinConnections idle
// connections.
func (p *PoolFactory) Database(ctx context.Context, db *Database) error {
	p.mu.Lock()
	p.db = db
	p.logger = db.logger.With("component", "PoolFactory")
	p.mu.Unlock()

	warm := make([]*Connection, 0, p.min)
	for i := 0; i < p.min; i++ {
		c, err := newConnection(ctx, db)
		if err != nil {
			for _, c := range warm {
				c.close()
			}
			return fmt.Errorf("database: pre-opening pooled connections: %w", err)
		}
		c.refs.Store(0)
		warm = append(warm, c)
	}

	p.mu.Lock()
	p.idle = append(p.idle, warm...)
	p.mu.Unlock()

	p.logger.Debug("pool attached", "max", p.max, "min", p.min, "ping", p.ping)
	return nil
}

// Connect checks a connection out of the pool.
func (p *PoolFactory) Connect(ctx context.Context) (*Connection, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	woken := false
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.db == nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("database: connection pool is not attached to a database")
		}

		if err := ctx.Err(); err != nil {
			if woken {
				p.signal()
			}
			p.mu.Unlock()
			return nil, fmt.Errorf("database: acquiring pooled connection: %w", err)
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.inUse++
			p.mu.Unlock()

			if p.ping {
				if err := c.Ping(ctx); err != nil {
					p.mu.Lock()
					if ctx.Err() != nil && !c.failed {
						// The caller gave up, not the server; the
						// connection is still good.
						p.idle = append(p.idle, c)
						p.doneWith()
						p.mu.Unlock()
						return nil, fmt.Errorf("database: acquiring pooled connection: %w", ctx.Err())
					}
					p.mu.Unlock()

					p.logger.Debug("discarding pooled connection that failed ping", "conn_id", c.ID(), "error", err)
					if cerr := c.close(); cerr != nil {
						p.logger.Debug("error closing dead connection", "conn_id", c.ID(), "error", cerr)
					}
					p.mu.Lock()
					p.doneWith()
					continue
				}
			}

			c.pool = p
			c.refs.Store(1)
			p.logger.Debug("reusing pooled connection", "conn_id", c.ID())
			return c, nil
		}

		if p.max == 0 || p.inUse < p.max {
			p.inUse++
			db := p.db
			p.mu.Unlock()

			c, err := newConnection(ctx, db)
			if err != nil {
				p.mu.Lock()
				p.doneWith()
				p.mu.Unlock()
				return nil, err
			}
			c.pool = p
			p.logger.Debug("opened pooled connection", "conn_id", c.ID())
			return c, nil
		}

		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-wake:
			woken = true
			p.mu.Lock()
		case <-ctx.Done():
			p.mu.Lock()
			if !p.removeWaiter(wake) {
				// Woken concurrently with the cancellation; let the next
				// waiter have the slot instead.
				p.signal()
			}
			p.mu.Unlock()
			return nil, fmt.Errorf("database: waiting for pooled connection: %w", ctx.Err())
		}
	}
}

// release takes back a connection whose last reference was dropped. It
// reports whether the connection was discarded, in which case the caller
// closes it.
func (p *PoolFactory) release(c *Connection) bool {
	c.recycle()
	c.pool = nil

	p.mu.Lock()
	defer p.mu.Unlock()

	keep := !p.closed && !c.failed &&
		(len(p.waiters) > 0 || p.min == 0 || len(p.idle)+p.inUse <= p.min)
	if keep {
		p.idle = append(p.idle, c)
	}
	p.doneWith()

	p.logger.Debug("connection returned to pool", "conn_id", c.ID(), "kept", keep, "in_use", p.inUse, "idle", len(p.idle))
	return !keep
}

// doneWith gives back one in-use slot. p.mu must be held.
func (p *PoolFactory) doneWith() {
	p.inUse--
	p.signal()
	if p.closed && p.inUse == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
}

// signal wakes the longest-waiting caller of Connect. p.mu must be held.
func (p *PoolFactory) signal() {
	if len(p.waiters) == 0 {
		return
	}
	wake := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	wake <- struct{}{}
}

func (p *PoolFactory) removeWaiter(wake chan struct{}) bool {
	for i, w := range p.waiters {
		if w == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the pool's counters.
func (p *PoolFactory) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxConnections: p.max,
		MinConnections: p.min,
		InUse:          p.inUse,
		Idle:           len(p.idle),
		Waiters:        len(p.waiters),
	}
}

// Close blocks until every checked-out connection has been released and
// then closes the idle ones. Callers blocked in Connect get ErrPoolClosed.
func (p *PoolFactory) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for len(p.waiters) > 0 {
		p.signal()
	}
	if p.inUse > 0 {
		p.drained = make(chan struct{})
		drained := p.drained
		p.logger.Debug("waiting for checked-out connections", "in_use", p.inUse)
		p.mu.Unlock()
		<-drained
		p.mu.Lock()
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool closed", "closed_idle", len(idle))
	return errors.Join(errs...)
}
