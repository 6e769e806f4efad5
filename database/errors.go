package database

import (
	"errors"
	"fmt"

	"github.com/tomyedwab/sqlbind/native"
)

var (
	// ErrAllocation is returned when the driver runs out of memory. It is
	// never retried.
	ErrAllocation = errors.New("database: allocation failure")

	// ErrDeadlock matches errors raised when the engine's lock manager
	// chose this transaction as a deadlock victim. The transaction may be
	// retried by the caller.
	ErrDeadlock = errors.New("database: deadlock")

	ErrNotPersistent       = errors.New("database: object not persistent")
	ErrAlreadyPersistent   = errors.New("database: object already persistent")
	ErrResultNotCached     = errors.New("database: result is not cached")
	ErrNoResult            = errors.New("database: statement has no open result")
	ErrPoolClosed          = errors.New("database: connection pool is closed")
	ErrFactoryClosed       = errors.New("database: connection factory is closed")
	ErrTransactionFinished = errors.New("database: transaction already committed or rolled back")
	ErrStatementClosed     = errors.New("database: statement is closed")
)

// Error is a driver error that reached the statement or connection layer.
type Error struct {
	Code     int
	SQLState string
	Message  string

	deadlock bool
	err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("database: %d (%s): %s", e.Code, e.SQLState, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports deadlock errors as ErrDeadlock.
func (e *Error) Is(target error) bool {
	return target == ErrDeadlock && e.deadlock
}

// Deadlock reports whether the engine aborted the statement to break a
// deadlock.
func (e *Error) Deadlock() bool {
	return e.deadlock
}

// translateError converts a native error into the package's error types
// and records on c whether the session is still usable.
func translateError(c *Connection, err error) error {
	if err == nil {
		return nil
	}
	var ne *native.Error
	if !errors.As(err, &ne) {
		return err
	}
	switch ne.Kind {
	case native.KindOutOfMemory:
		return fmt.Errorf("%w: %s", ErrAllocation, ne.Message)
	case native.KindConnection:
		if c != nil {
			c.markFailed(err)
		}
	}
	return &Error{
		Code:     ne.Number,
		SQLState: ne.SQLState,
		Message:  ne.Message,
		deadlock: ne.Kind == native.KindDeadlock,
		err:      err,
	}
}

func isDuplicateKey(err error) bool {
	var ne *native.Error
	return errors.As(err, &ne) && ne.Kind == native.KindDuplicateKey
}
