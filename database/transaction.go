package database

import (
	"context"
	"log/slog"
)

// Transaction brackets work on one connection with begin and commit or
// rollback. It holds a reference to the connection until it finishes.
type Transaction struct {
	conn     *Connection
	logger   *slog.Logger
	finished bool
}

// Begin starts a transaction on conn and retains it.
func Begin(ctx context.Context, conn *Connection) (*Transaction, error) {
	if _, err := conn.Exec(ctx, "begin"); err != nil {
		return nil, err
	}
	tx := &Transaction{
		conn:   conn.Retain(),
		logger: conn.logger,
	}
	tx.logger.Debug("transaction started")
	return tx, nil
}

// Connection returns the transaction's connection. It is only valid until
// Commit or Rollback.
func (tx *Transaction) Connection() *Connection {
	return tx.conn
}

// Commit cancels the active statement and commits. The connection
// reference is dropped whether or not the commit succeeds.
func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.finish(ctx, "commit")
}

// Rollback cancels the active statement and rolls back.
func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.finish(ctx, "rollback")
}

func (tx *Transaction) finish(ctx context.Context, text string) error {
	if tx.finished {
		return ErrTransactionFinished
	}
	tx.finished = true

	_, err := tx.conn.Exec(ctx, text)
	if err != nil {
		tx.logger.Warn("transaction "+text+" failed", "error", err)
	} else {
		tx.logger.Debug("transaction finished", "outcome", text)
	}
	tx.conn.Release()
	tx.conn = nil
	return err
}

// Finished reports whether Commit or Rollback was called.
func (tx *Transaction) Finished() bool {
	return tx.finished
}
