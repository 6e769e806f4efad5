package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tomyedwab/sqlbind/native"
)

// activeStatement is a statement that may hold the connection's single
// streaming-result slot.
type activeStatement interface {
	// cancel gives up the slot. It must clear the connection's active
	// pointer before returning.
	cancel() error
}

// Connection owns one physical session, the statement handles allocated on
// it and the per-type statement cache.
//
// A Connection is reference counted. Factories return it with one
// reference; Retain adds one and Release drops one. When the last
// reference is released the connection either goes back to the pool that
// handed it out or, if no pool wants it, is closed.
//
// A Connection is not safe for concurrent use. It belongs to one goroutine
// (one transaction) at a time.
type Connection struct {
	id     string
	db     *Database
	handle native.Conn
	logger *slog.Logger

	active      activeStatement
	stmtHandles []native.Stmt
	cache       *StatementCache

	failed bool
	closed bool

	refs atomic.Int32

	// pool is set while the connection is checked out of a PoolFactory.
	pool *PoolFactory
	// onClose runs once, after the session is closed.
	onClose func()
}

func newConnection(ctx context.Context, db *Database) (*Connection, error) {
	handle, err := db.connector.Connect(ctx)
	if err != nil {
		return nil, translateError(nil, err)
	}

	c := &Connection{
		id:     uuid.NewString(),
		db:     db,
		handle: handle,
	}
	c.logger = db.logger.With("conn_id", c.id)
	c.cache = newStatementCache(c)
	c.refs.Store(1)

	c.logger.Debug("connection opened")
	return c, nil
}

// ID is a process-unique identifier used in logs.
func (c *Connection) ID() string {
	return c.id
}

// Database returns the database the connection was opened for.
func (c *Connection) Database() *Database {
	return c.db
}

// Handle exposes the native session.
func (c *Connection) Handle() native.Conn {
	return c.handle
}

// StatementCache returns the connection's per-type statement cache.
func (c *Connection) StatementCache() *StatementCache {
	return c.cache
}

// Failed reports whether a connection-level error was seen on this
// session. A failed connection is never returned to a pool.
func (c *Connection) Failed() bool {
	return c.failed
}

func (c *Connection) markFailed(err error) {
	if !c.failed {
		c.failed = true
		c.logger.Warn("connection marked failed", "error", err)
	}
}

// Retain adds a reference and returns c.
func (c *Connection) Retain() *Connection {
	c.refs.Add(1)
	return c
}

// Release drops a reference. Dropping the last one hands the connection
// back to its pool or closes it.
func (c *Connection) Release() {
	n := c.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("database: connection released more times than retained")
	}

	if p := c.pool; p != nil {
		if !p.release(c) {
			return
		}
	}
	if err := c.close(); err != nil {
		c.logger.Warn("error closing connection", "error", err)
	}
}

// activeStmt returns the statement currently holding the streaming slot.
func (c *Connection) activeStmt() activeStatement {
	return c.active
}

// setActive records s as the statement holding the streaming slot.
// Clearing the slot closes any statement handles whose release was
// deferred while a result was streaming.
func (c *Connection) setActive(s activeStatement) {
	c.active = s
	if s == nil {
		c.flushStmtHandles()
	}
}

// Clear cancels the active statement, if any, so that another statement
// can use the session.
func (c *Connection) Clear() error {
	if c.active == nil {
		return nil
	}
	err := c.active.cancel()
	if c.active != nil {
		// A cancel that failed must still give up the slot; the next
		// statement would otherwise cancel it forever.
		c.setActive(nil)
	}
	return err
}

// allocStmtHandle allocates a fresh native statement handle.
func (c *Connection) allocStmtHandle() (native.Stmt, error) {
	if c.closed {
		return nil, fmt.Errorf("database: connection %s is closed", c.id)
	}
	h, err := c.handle.NewStmt()
	if err != nil {
		return nil, translateError(c, err)
	}
	return h, nil
}

// freeStmtHandle closes h, or defers the close while a statement is
// streaming: closing a handle may itself need a round trip on the
// session, which must not interleave with the active result.
func (c *Connection) freeStmtHandle(h native.Stmt) {
	if c.active == nil {
		if err := h.Close(); err != nil {
			c.logger.Debug("error closing statement handle", "error", err)
		}
		return
	}
	c.stmtHandles = append(c.stmtHandles, h)
}

func (c *Connection) flushStmtHandles() {
	for _, h := range c.stmtHandles {
		if err := h.Close(); err != nil {
			c.logger.Debug("error closing statement handle", "error", err)
		}
	}
	c.stmtHandles = c.stmtHandles[:0]
}

// Exec runs unprepared statement text after clearing the active
// statement.
func (c *Connection) Exec(ctx context.Context, text string) (int64, error) {
	if err := c.Clear(); err != nil {
		return 0, err
	}
	n, err := c.handle.Exec(ctx, text)
	if err != nil {
		return 0, translateError(c, err)
	}
	return n, nil
}

// Ping checks that the server still holds the session. A failed ping
// marks the connection failed unless ctx ended first.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.handle.Ping(ctx); err != nil {
		if ctx.Err() == nil {
			c.markFailed(err)
		}
		return translateError(c, err)
	}
	return nil
}

// recycle drops per-use state before the connection goes back to a pool.
// Cached statements survive; only the streaming slot is released.
func (c *Connection) recycle() {
	if err := c.Clear(); err != nil {
		c.markFailed(err)
	}
}

func (c *Connection) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.Clear(); err != nil {
		c.logger.Debug("error cancelling active statement on close", "error", err)
	}
	c.cache.close()
	c.flushStmtHandles()

	err := c.handle.Close()
	c.logger.Debug("connection closed", "failed", c.failed)
	if c.onClose != nil {
		c.onClose()
		c.onClose = nil
	}
	if err != nil {
		return translateError(nil, err)
	}
	return nil
}
