package native

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLXConnector opens sessions from a database/sql driver through sqlx.
// The underlying *sqlx.DB keeps no idle sessions of its own: once a Conn
// is closed its physical session is closed too, so reuse is decided
// entirely by the caller's connection factory.
type SQLXConnector struct {
	db         *sqlx.DB
	driverName string
}

// Open prepares a connector for the named driver. No session is opened
// until Connect is called.
func Open(driverName, dsn string) (*SQLXConnector, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("native: open %s: %w", driverName, err)
	}
	db.SetMaxIdleConns(0)
	return &SQLXConnector{db: db, driverName: driverName}, nil
}

// DriverName returns the database/sql driver name.
func (c *SQLXConnector) DriverName() string {
	return c.driverName
}

// DB exposes the underlying handle for schema setup outside the
// statement layer.
func (c *SQLXConnector) DB() *sqlx.DB {
	return c.db
}

func (c *SQLXConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return nil, Classify(c.driverName, err)
	}
	return &sqlxConn{conn: conn, driverName: c.driverName}, nil
}

// Close releases the driver handle. Sessions already handed out must be
// closed first.
func (c *SQLXConnector) Close() error {
	return c.db.Close()
}

type sqlxConn struct {
	conn       *sqlx.Conn
	driverName string
}

func (c *sqlxConn) classify(err error) error {
	if err == nil {
		return nil
	}
	return Classify(c.driverName, err)
}

func (c *sqlxConn) NewStmt() (Stmt, error) {
	if c.conn == nil {
		return nil, c.classify(errors.New("native: session is closed"))
	}
	return &sqlxStmt{conn: c}, nil
}

func (c *sqlxConn) Exec(ctx context.Context, text string) (int64, error) {
	res, err := c.conn.ExecContext(ctx, text)
	if err != nil {
		return 0, c.classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *sqlxConn) Ping(ctx context.Context) error {
	return c.classify(c.conn.PingContext(ctx))
}

func (c *sqlxConn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return c.classify(err)
}

// sqlxStmt emulates a native statement handle over a prepared *sqlx.Stmt.
// A statement with result binds runs as a query and streams rows from
// *sqlx.Rows; StoreResult moves the remainder into stored.
type sqlxStmt struct {
	conn *sqlxConn
	stmt *sqlx.Stmt

	params  []Bind
	results []Bind

	rows    *sqlx.Rows
	columns int
	current []any

	stored    [][]any
	storedPos int

	affected int64
	insertID int64
}

func (s *sqlxStmt) Prepare(ctx context.Context, text string) error {
	if s.stmt != nil {
		return fmt.Errorf("native: statement already prepared")
	}
	stmt, err := s.conn.conn.PreparexContext(ctx, s.conn.conn.Rebind(text))
	if err != nil {
		return s.conn.classify(err)
	}
	s.stmt = stmt
	return nil
}

func (s *sqlxStmt) BindParam(binds []Bind) error {
	s.params = binds
	return nil
}

func (s *sqlxStmt) BindResult(binds []Bind) error {
	s.results = binds
	return nil
}

func (s *sqlxStmt) Execute(ctx context.Context) error {
	if s.stmt == nil {
		return fmt.Errorf("native: statement not prepared")
	}
	if err := s.FreeResult(); err != nil {
		return err
	}
	args, err := paramValues(s.params)
	if err != nil {
		return err
	}

	if len(s.results) > 0 {
		rows, err := s.stmt.QueryxContext(ctx, args...)
		if err != nil {
			return s.conn.classify(err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return s.conn.classify(err)
		}
		s.rows = rows
		s.columns = len(cols)
		return nil
	}

	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return s.conn.classify(err)
	}
	s.affected, _ = res.RowsAffected()
	s.insertID, _ = res.LastInsertId()
	return nil
}

func (s *sqlxStmt) Fetch() (FetchStatus, error) {
	switch {
	case s.stored != nil:
		if s.storedPos >= len(s.stored) {
			return FetchNoData, nil
		}
		s.current = s.stored[s.storedPos]
		s.storedPos++
	case s.rows != nil:
		row, err := s.next()
		if err != nil {
			return FetchNoData, err
		}
		if row == nil {
			return FetchNoData, nil
		}
		s.current = row
	default:
		return FetchNoData, fmt.Errorf("native: no result set")
	}

	status := FetchOK
	n := min(len(s.results), len(s.current))
	for i := 0; i < n; i++ {
		truncated, err := assign(s.results[i], s.current[i])
		if err != nil {
			return FetchNoData, fmt.Errorf("column %d: %w", i, err)
		}
		if truncated {
			status = FetchTruncated
		}
	}
	return status, nil
}

// next reads one row from the stream. It returns nil at the end of the
// result set and closes the stream.
func (s *sqlxStmt) next() ([]any, error) {
	if !s.rows.Next() {
		err := s.rows.Err()
		s.rows.Close()
		s.rows = nil
		return nil, s.conn.classify(err)
	}
	row := make([]any, s.columns)
	ptrs := make([]any, s.columns)
	for i := range row {
		ptrs[i] = &row[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, s.conn.classify(err)
	}
	return row, nil
}

func (s *sqlxStmt) FetchColumn(i int) error {
	if s.current == nil {
		return fmt.Errorf("native: no current row")
	}
	if i < 0 || i >= len(s.results) || i >= len(s.current) {
		return fmt.Errorf("native: column %d out of range", i)
	}
	_, err := assign(s.results[i], s.current[i])
	return err
}

func (s *sqlxStmt) StoreResult() error {
	if s.stored != nil {
		return nil
	}
	stored := [][]any{}
	for s.rows != nil {
		row, err := s.next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		stored = append(stored, row)
	}
	s.stored = stored
	s.storedPos = 0
	return nil
}

func (s *sqlxStmt) NumRows() int {
	return len(s.stored)
}

func (s *sqlxStmt) DataSeek(n int) error {
	if s.stored == nil {
		return fmt.Errorf("native: result not stored")
	}
	if n < 0 || n > len(s.stored) {
		return fmt.Errorf("native: row %d out of range", n)
	}
	s.storedPos = n
	return nil
}

func (s *sqlxStmt) FreeResult() error {
	var err error
	if s.rows != nil {
		err = s.rows.Close()
		s.rows = nil
	}
	s.stored = nil
	s.storedPos = 0
	s.current = nil
	return s.conn.classify(err)
}

func (s *sqlxStmt) Reset() error {
	s.affected = 0
	s.insertID = 0
	return s.FreeResult()
}

func (s *sqlxStmt) AffectedRows() int64 {
	return s.affected
}

func (s *sqlxStmt) InsertID() int64 {
	return s.insertID
}

func (s *sqlxStmt) Close() error {
	err := s.FreeResult()
	if s.stmt != nil {
		if cerr := s.stmt.Close(); cerr != nil && err == nil {
			err = s.conn.classify(cerr)
		}
		s.stmt = nil
	}
	return err
}
