package database

import (
	"context"
	"fmt"

	"github.com/tomyedwab/sqlbind/native"
)

// resultState is where a select statement's result set lives.
type resultState int

const (
	// resultFreed: no result, or it was released.
	resultFreed resultState = iota
	// resultStreaming: rows are still on the session. The statement holds
	// (or held, until cancelled) the connection's active slot.
	resultStreaming
	// resultCached: rows were stored client-side and survive other
	// statements running on the session.
	resultCached
)

func (s resultState) String() string {
	switch s {
	case resultStreaming:
		return "streaming"
	case resultCached:
		return "cached"
	default:
		return "freed"
	}
}

// SelectStatement runs a query and fetches rows into a result binding.
//
// At most one select per connection streams at a time. Execute on any
// statement first cancels the connection's active select: a streaming
// result is freed, a cached one only gives up the slot and keeps its rows.
type SelectStatement struct {
	statement
	param  boundVersion
	result boundVersion

	state resultState
	end   bool
	rows  int // rows fetched so far

	cacheBase int // value of rows when the result was cached
	size      int
}

// NewSelectStatement prepares text on conn. param may be nil for a query
// without parameters.
func NewSelectStatement(ctx context.Context, conn *Connection, text string, param, result *Binding) (*SelectStatement, error) {
	s := &SelectStatement{
		param:  boundVersion{binding: param},
		result: boundVersion{binding: result},
		end:    true,
	}
	if err := s.init(ctx, conn, text); err != nil {
		return nil, err
	}
	return s, nil
}

// Execute runs the query. Any result this statement still holds is freed
// first and the connection's active statement is cancelled.
func (s *SelectStatement) Execute(ctx context.Context) error {
	if s.state != resultFreed {
		if err := s.FreeResult(); err != nil {
			return err
		}
	}
	if err := s.prepareExecute(&s.param); err != nil {
		return err
	}
	if s.result.changed() {
		if err := s.stmt.BindResult(s.result.binding.Bind); err != nil {
			return translateError(s.conn, err)
		}
		s.result.sync()
	}

	s.end = false
	s.rows = 0
	if err := s.stmt.Execute(ctx); err != nil {
		s.end = true
		return translateError(s.conn, err)
	}
	s.state = resultStreaming
	s.conn.setActive(s)
	return nil
}

// Fetch copies the next row into the result binding.
func (s *SelectStatement) Fetch() (native.FetchStatus, error) {
	if s.stmt == nil {
		return native.FetchNoData, ErrStatementClosed
	}
	if s.state == resultFreed {
		return native.FetchNoData, ErrNoResult
	}
	if s.end {
		return native.FetchNoData, nil
	}
	if s.result.changed() {
		if err := s.stmt.BindResult(s.result.binding.Bind); err != nil {
			return native.FetchNoData, translateError(s.conn, err)
		}
		s.result.sync()
	}

	status, err := s.stmt.Fetch()
	if err != nil {
		return native.FetchNoData, translateError(s.conn, err)
	}
	switch status {
	case native.FetchNoData:
		s.end = true
	default:
		s.rows++
	}
	return status, nil
}

// Refetch copies the truncated columns of the current row again, after the
// caller has enlarged their buffers.
func (s *SelectStatement) Refetch() error {
	if s.state == resultFreed {
		return ErrNoResult
	}
	if s.result.changed() {
		if err := s.stmt.BindResult(s.result.binding.Bind); err != nil {
			return translateError(s.conn, err)
		}
		s.result.sync()
	}
	for i, b := range s.result.binding.Bind {
		if b.Error == nil || !*b.Error {
			continue
		}
		*b.Error = false
		if err := s.stmt.FetchColumn(i); err != nil {
			return translateError(s.conn, err)
		}
	}
	return nil
}

// Cache stores the remaining rows client-side. Afterwards the statement no
// longer needs the connection's active slot and other statements may run
// without destroying its rows.
func (s *SelectStatement) Cache() error {
	switch s.state {
	case resultCached:
		return nil
	case resultFreed:
		return ErrNoResult
	}
	s.cacheBase = s.rows
	if !s.end {
		if err := s.stmt.StoreResult(); err != nil {
			return translateError(s.conn, err)
		}
		s.size = s.rows + s.stmt.NumRows()
	} else {
		s.size = s.rows
	}
	s.state = resultCached
	if s.conn.activeStmt() == activeStatement(s) {
		s.conn.setActive(nil)
	}
	return nil
}

// Cached reports whether the result is stored client-side.
func (s *SelectStatement) Cached() bool {
	return s.state == resultCached
}

// Size returns the total number of rows of a cached result.
func (s *SelectStatement) Size() (int, error) {
	if s.state != resultCached {
		return 0, ErrResultNotCached
	}
	return s.size, nil
}

// Seek positions a cached result so that the next Fetch returns row n
// (zero-based over the whole result). Rows fetched before Cache was called
// are gone.
func (s *SelectStatement) Seek(n int) error {
	if s.state != resultCached {
		return ErrResultNotCached
	}
	if n < s.cacheBase || n > s.size {
		return fmt.Errorf("database: row %d outside cached range [%d, %d]", n, s.cacheBase, s.size)
	}
	if s.cacheBase == s.size {
		// Nothing was stored; the only position is the end.
		s.rows = n
		s.end = true
		return nil
	}
	if err := s.stmt.DataSeek(n - s.cacheBase); err != nil {
		return translateError(s.conn, err)
	}
	s.rows = n
	s.end = n == s.size
	return nil
}

// FreeResult releases the result whether it is streaming or cached.
func (s *SelectStatement) FreeResult() error {
	if s.state == resultFreed {
		return nil
	}
	err := s.stmt.FreeResult()
	s.state = resultFreed
	s.end = true
	s.rows = 0
	s.size = 0
	s.cacheBase = 0
	if s.conn.activeStmt() == activeStatement(s) {
		s.conn.setActive(nil)
	}
	if err != nil {
		return translateError(s.conn, err)
	}
	return nil
}

// cancel gives up the active slot. A cached result keeps its rows; a
// streaming result is freed since it was never materialized.
func (s *SelectStatement) cancel() error {
	switch s.state {
	case resultCached:
		if s.conn.activeStmt() == activeStatement(s) {
			s.conn.setActive(nil)
		}
		return nil
	case resultStreaming:
		return s.FreeResult()
	default:
		if s.conn.activeStmt() == activeStatement(s) {
			s.conn.setActive(nil)
		}
		return nil
	}
}

// Streaming reports whether the statement holds rows that are still on the
// session.
func (s *SelectStatement) Streaming() bool {
	return s.state == resultStreaming
}

// Close frees any result and returns the handle to the connection.
func (s *SelectStatement) Close() error {
	if s.stmt == nil {
		return nil
	}
	err := s.FreeResult()
	s.release()
	return err
}
