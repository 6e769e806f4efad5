package native

import (
	"context"
)

// FetchStatus is the outcome of fetching one row into the result binds.
type FetchStatus int

const (
	// FetchOK means the row was copied into every result buffer.
	FetchOK FetchStatus = iota
	// FetchNoData means the result set is exhausted.
	FetchNoData
	// FetchTruncated means at least one variable-length column did not fit
	// its buffer. The affected binds have Error set and Length holds the
	// full size; the caller resizes and calls FetchColumn.
	FetchTruncated
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchNoData:
		return "no_data"
	case FetchTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Bind describes one parameter or result column buffer.
//
// Buffer must be a pointer to one of *int64, *float64, *bool, *string,
// *[]byte or *time.Time. The pointed-to value is read at execute time for
// parameters and written at fetch time for results, so callers may change
// the contents without re-binding. A *[]byte result buffer never grows
// past its capacity; a longer value is truncated and reported.
type Bind struct {
	Buffer any
	IsNull *bool
	Length *int
	Error  *bool
}

// Connector opens physical database sessions.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one physical session. It is not safe for concurrent use.
type Conn interface {
	// NewStmt allocates an unprepared statement handle on this session.
	NewStmt() (Stmt, error)

	// Exec runs unprepared statement text, such as "begin" or "commit",
	// and returns the number of affected rows.
	Exec(ctx context.Context, text string) (int64, error)

	// Ping checks that the server still holds the session.
	Ping(ctx context.Context) error

	Close() error
}

// Stmt is a prepared-statement handle. Parameters are sent from the
// registered param binds on Execute and rows are copied into the
// registered result binds on Fetch.
type Stmt interface {
	Prepare(ctx context.Context, text string) error

	BindParam(binds []Bind) error
	BindResult(binds []Bind) error

	// Execute runs the statement. A statement with result binds opens a
	// streaming result set that stays on the session until it is stored,
	// drained or freed.
	Execute(ctx context.Context) error

	Fetch() (FetchStatus, error)

	// FetchColumn copies column i of the current row into result bind i
	// again, typically after its buffer was enlarged.
	FetchColumn(i int) error

	// StoreResult reads the remaining rows into a client-side buffer and
	// releases the session's stream.
	StoreResult() error

	// NumRows is the number of rows held by StoreResult.
	NumRows() int

	// DataSeek positions the next Fetch at stored row n.
	DataSeek(n int) error

	FreeResult() error
	Reset() error

	AffectedRows() int64
	InsertID() int64

	Close() error
}
