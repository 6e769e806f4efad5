package database

import (
	"context"
	"fmt"
	"sync"
)

// ConnectionFactory decides how a Database obtains connections.
type ConnectionFactory interface {
	// Database attaches the factory to db. It is called once, by Open,
	// before the first Connect.
	Database(ctx context.Context, db *Database) error

	// Connect returns a connection holding one reference. The caller
	// hands it back with Connection.Release.
	Connect(ctx context.Context) (*Connection, error)

	// Close tears the factory down. Connections still checked out must be
	// released first or Close blocks until they are.
	Close() error
}

// NewFactory opens a fresh session for every Connect and closes it on the
// last Release. It only tracks how many of its connections are still open
// so that Close can wait for them.
type NewFactory struct {
	mu     sync.Mutex
	db     *Database
	closed bool
	open   sync.WaitGroup
}

func NewConnectionFactory() *NewFactory {
	return &NewFactory{}
}

func (f *NewFactory) Database(ctx context.Context, db *Database) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.db = db
	return nil
}

func (f *NewFactory) Connect(ctx context.Context) (*Connection, error) {
	f.mu.Lock()
	db := f.db
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	if db == nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("database: connection factory is not attached to a database")
	}
	f.open.Add(1)
	f.mu.Unlock()

	c, err := newConnection(ctx, db)
	if err != nil {
		f.open.Done()
		return nil, err
	}
	c.onClose = f.open.Done
	return c, nil
}

// Close blocks until every connection handed out has been released.
func (f *NewFactory) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.open.Wait()
	return nil
}
