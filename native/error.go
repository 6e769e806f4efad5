package native

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/sqlbind/sqlproxy/types"
)

// Kind groups driver error codes by how the layers above react to them.
type Kind int

const (
	KindOther Kind = iota
	KindOutOfMemory
	KindDeadlock
	KindDuplicateKey
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out_of_memory"
	case KindDeadlock:
		return "deadlock"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindConnection:
		return "connection"
	default:
		return "other"
	}
}

// Error is a driver error with the engine's numeric code, SQL state and
// message preserved.
type Error struct {
	Number   int
	SQLState string
	Message  string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d (%s): %s", e.Number, e.SQLState, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classifier recognises one driver's error values. It returns nil for
// errors it does not know.
type Classifier func(err error) *Error

var (
	classifiersMu sync.RWMutex
	classifiers   = map[string]Classifier{
		"sqlite3":  ClassifySQLite,
		"postgres": ClassifyPostgres,
		"sqlproxy": ClassifyProxy,
	}
)

// RegisterClassifier installs the error classifier for a driver name.
func RegisterClassifier(driverName string, c Classifier) {
	classifiersMu.Lock()
	defer classifiersMu.Unlock()
	classifiers[driverName] = c
}

func classifierFor(driverName string) Classifier {
	classifiersMu.RLock()
	defer classifiersMu.RUnlock()
	return classifiers[driverName]
}

// Classify converts err into an *Error using the classifier registered for
// driverName. Errors no classifier recognises are wrapped with KindOther,
// except driver.ErrBadConn and sql.ErrConnDone which always mean the
// session is gone.
func Classify(driverName string, err error) *Error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return ne
	}
	if c := classifierFor(driverName); c != nil {
		if ne := c(err); ne != nil {
			return ne
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &Error{Number: -1, SQLState: "08006", Message: err.Error(), Kind: KindConnection, Err: err}
	}
	return &Error{Number: -1, SQLState: "HY000", Message: err.Error(), Kind: KindOther, Err: err}
}

// ClassifySQLite recognises github.com/mattn/go-sqlite3 errors.
func ClassifySQLite(err error) *Error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return nil
	}
	ne := &Error{
		Number:   int(se.ExtendedCode),
		SQLState: "HY000",
		Message:  se.Error(),
		Err:      err,
	}
	switch {
	case se.Code == sqlite3.ErrNomem:
		ne.Kind = KindOutOfMemory
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
		ne.SQLState = "40001"
		ne.Kind = KindDeadlock
	case se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
		se.ExtendedCode == sqlite3.ErrConstraintUnique:
		ne.SQLState = "23000"
		ne.Kind = KindDuplicateKey
	case se.Code == sqlite3.ErrCantOpen, se.Code == sqlite3.ErrNotADB:
		ne.Kind = KindConnection
	}
	return ne
}

// ClassifyPostgres recognises github.com/lib/pq errors.
func ClassifyPostgres(err error) *Error {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return nil
	}
	ne := &Error{
		SQLState: string(pe.Code),
		Message:  pe.Message,
		Err:      err,
	}
	switch {
	case pe.Code == "53200":
		ne.Kind = KindOutOfMemory
	case pe.Code == "40P01":
		ne.Kind = KindDeadlock
	case pe.Code == "23505":
		ne.Kind = KindDuplicateKey
	case pe.Code.Class() == "08":
		ne.Kind = KindConnection
	}
	return ne
}

// ClassifyProxy recognises errors reported by a sqlproxy host.
func ClassifyProxy(err error) *Error {
	var he *types.HostError
	if !errors.As(err, &he) {
		return nil
	}
	ne := &Error{
		Number:   he.Code,
		SQLState: he.State,
		Message:  he.Message,
		Err:      err,
	}
	if ne.SQLState == "" {
		ne.SQLState = "HY000"
	}
	switch he.Kind {
	case KindOutOfMemory.String():
		ne.Kind = KindOutOfMemory
	case KindDeadlock.String():
		ne.Kind = KindDeadlock
	case KindDuplicateKey.String():
		ne.Kind = KindDuplicateKey
	case KindConnection.String():
		ne.Kind = KindConnection
	}
	return ne
}
