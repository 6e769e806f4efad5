package database

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tomyedwab/sqlbind/native"
)

// fakeConnector is a native backend that serves a fixed row set to every
// query and records how the session protocol was used.
type fakeConnector struct {
	mu          sync.Mutex
	conns       []*fakeConn
	rows        [][]any
	execErrs    map[string]error
	prepareErrs map[string]error
}

func newFakeConnector(rows [][]any) *fakeConnector {
	return &fakeConnector{
		rows:        rows,
		execErrs:    make(map[string]error),
		prepareErrs: make(map[string]error),
	}
}

func (f *fakeConnector) Connect(ctx context.Context) (native.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{id: len(f.conns) + 1, connector: f}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if c.isClosed() {
			n++
		}
	}
	return n
}

func (f *fakeConnector) execErr(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execErrs[text]
}

func (f *fakeConnector) prepareErr(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareErrs[text]
}

type fakeConn struct {
	id        int
	connector *fakeConnector

	mu     sync.Mutex
	closed bool
	dead   bool
	// onPing runs at the start of every Ping.
	onPing func()

	streaming *fakeStmt
	// violations counts executes issued while another statement's result
	// was still streaming.
	violations int
	// closesWhileStreaming counts handle closes issued while another
	// statement's result was still streaming.
	closesWhileStreaming int
	stmtCloses           int
	execs                []string
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
}

func (c *fakeConn) NewStmt() (native.Stmt, error) {
	if c.closed {
		return nil, fmt.Errorf("fake: session closed")
	}
	return &fakeStmt{conn: c}, nil
}

func (c *fakeConn) Exec(ctx context.Context, text string) (int64, error) {
	if c.dead {
		return 0, native.Classify("fake", driver.ErrBadConn)
	}
	if c.streaming != nil {
		c.violations++
	}
	c.execs = append(c.execs, text)
	return 0, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onPing != nil {
		c.onPing()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.dead {
		return native.Classify("fake", driver.ErrBadConn)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeStmt struct {
	conn *fakeConn
	text string

	params  []native.Bind
	results []native.Bind

	bindParamCalls  int
	bindResultCalls int
	executes        int

	hasResult bool
	rows      [][]any
	pos       int
	stored    bool
	current   []any
	affected  int64
	closed    bool
}

func (s *fakeStmt) Prepare(ctx context.Context, text string) error {
	if err := s.conn.connector.prepareErr(text); err != nil {
		return err
	}
	s.text = text
	return nil
}

func (s *fakeStmt) BindParam(binds []native.Bind) error {
	s.bindParamCalls++
	s.params = binds
	return nil
}

func (s *fakeStmt) BindResult(binds []native.Bind) error {
	s.bindResultCalls++
	s.results = binds
	return nil
}

func (s *fakeStmt) Execute(ctx context.Context) error {
	if s.conn.streaming != nil && s.conn.streaming != s {
		s.conn.violations++
	}
	s.executes++
	if err := s.conn.connector.execErr(s.text); err != nil {
		return err
	}
	if len(s.results) == 0 {
		s.affected = 1
		return nil
	}
	s.rows = append([][]any(nil), s.conn.connector.rows...)
	s.pos = 0
	s.stored = false
	s.hasResult = true
	s.conn.streaming = s
	return nil
}

func (s *fakeStmt) Fetch() (native.FetchStatus, error) {
	if !s.hasResult {
		return native.FetchNoData, fmt.Errorf("fake: no result")
	}
	if s.pos >= len(s.rows) {
		if s.conn.streaming == s {
			s.conn.streaming = nil
		}
		return native.FetchNoData, nil
	}
	s.current = s.rows[s.pos]
	s.pos++
	status := native.FetchOK
	for i := 0; i < len(s.results) && i < len(s.current); i++ {
		if fakeAssign(s.results[i], s.current[i]) {
			status = native.FetchTruncated
		}
	}
	return status, nil
}

// fakeAssign copies v into b. Only int64 and []byte buffers are needed.
func fakeAssign(b native.Bind, v any) bool {
	if b.Error != nil {
		*b.Error = false
	}
	switch p := b.Buffer.(type) {
	case *int64:
		*p = v.(int64)
	case *[]byte:
		src := v.([]byte)
		if b.Length != nil {
			*b.Length = len(src)
		}
		buf := (*p)[:cap(*p)]
		n := copy(buf, src)
		*p = buf[:n]
		if n < len(src) {
			if b.Error != nil {
				*b.Error = true
			}
			return true
		}
	}
	return false
}

func (s *fakeStmt) FetchColumn(i int) error {
	fakeAssign(s.results[i], s.current[i])
	return nil
}

func (s *fakeStmt) StoreResult() error {
	s.rows = s.rows[s.pos:]
	s.pos = 0
	s.stored = true
	if s.conn.streaming == s {
		s.conn.streaming = nil
	}
	return nil
}

func (s *fakeStmt) NumRows() int {
	return len(s.rows)
}

func (s *fakeStmt) DataSeek(n int) error {
	if !s.stored || n < 0 || n > len(s.rows) {
		return fmt.Errorf("fake: bad seek %d", n)
	}
	s.pos = n
	return nil
}

func (s *fakeStmt) FreeResult() error {
	s.hasResult = false
	s.rows = nil
	s.pos = 0
	s.stored = false
	s.current = nil
	if s.conn.streaming == s {
		s.conn.streaming = nil
	}
	return nil
}

func (s *fakeStmt) Reset() error {
	s.affected = 0
	return s.FreeResult()
}

func (s *fakeStmt) AffectedRows() int64 {
	return s.affected
}

func (s *fakeStmt) InsertID() int64 {
	return 0
}

func (s *fakeStmt) Close() error {
	if s.conn.streaming != nil && s.conn.streaming != s {
		s.conn.closesWhileStreaming++
	}
	s.conn.stmtCloses++
	s.closed = true
	return s.FreeResult()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openFake opens a Database over a fake backend serving rows.
func openFake(t *testing.T, rows [][]any, factory ConnectionFactory) (*Database, *fakeConnector) {
	t.Helper()
	fc := newFakeConnector(rows)
	db, err := Open(context.Background(), Config{
		Connector: fc,
		Factory:   factory,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return db, fc
}

func fakeConnOf(c *Connection) *fakeConn {
	return c.Handle().(*fakeConn)
}

func fakeStmtOf(s *statement) *fakeStmt {
	return s.stmt.(*fakeStmt)
}

// intRows builds single-column rows 1..n.
func intRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1)}
	}
	return rows
}
