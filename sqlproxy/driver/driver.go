package driver

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tomyedwab/sqlbind/sqlproxy/types"
)

// HostFunc carries one JSON request to the host and returns its JSON
// response.
type HostFunc func(requestPayload []byte) (responsePayload []byte, err error)

var (
	hostMu   sync.RWMutex
	callHost HostFunc
)

// SetHostHandler sets the function used to proxy requests to the host.
// This must be called before any connection is opened.
func SetHostHandler(handler HostFunc) {
	hostMu.Lock()
	defer hostMu.Unlock()
	callHost = handler
}

func hostHandler() HostFunc {
	hostMu.RLock()
	defer hostMu.RUnlock()
	return callHost
}

const driverName = "sqlproxy"

func init() {
	sql.Register(driverName, &Driver{})
}

// call sends req to the host and decodes the reply into resp. A transport
// failure is reported as driver.ErrBadConn since the session state on the
// host is unknown afterwards.
func call(req types.SQLRequest, resp any) error {
	handler := hostHandler()
	if handler == nil {
		return fmt.Errorf("sqlproxy: host handler is not set")
	}

	reqPayload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sqlproxy: failed to marshal %s request: %w", req.Command, err)
	}

	respPayload, err := handler(reqPayload)
	if err != nil {
		return fmt.Errorf("sqlproxy: %s: %w: %w", req.Command, driver.ErrBadConn, err)
	}

	dec := json.NewDecoder(bytes.NewReader(respPayload))
	dec.UseNumber()
	if err := dec.Decode(resp); err != nil {
		return fmt.Errorf("sqlproxy: failed to unmarshal %s response: %w", req.Command, err)
	}
	return nil
}

// hostErr turns a host-reported error into a driver error. Lost sessions
// also match driver.ErrBadConn.
func hostErr(command string, he *types.HostError) error {
	if he == nil {
		return nil
	}
	if he.Kind == "connection" {
		return fmt.Errorf("sqlproxy: %s: %w: %w", command, driver.ErrBadConn, he)
	}
	return fmt.Errorf("sqlproxy: %s: %w", command, he)
}

// --- Driver implementation ---

// Driver is the SQL driver for the proxy.
type Driver struct{}

// Open opens a new host session. The DSN is ignored.
func (d *Driver) Open(name string) (driver.Conn, error) {
	var resp types.GeneralResponse
	if err := call(types.SQLRequest{Command: "open_conn"}, &resp); err != nil {
		return nil, err
	}
	if err := hostErr("open_conn", resp.Error); err != nil {
		return nil, err
	}
	if resp.ConnID == "" {
		return nil, fmt.Errorf("sqlproxy: host did not return a ConnID for open_conn")
	}
	return &Conn{connID: resp.ConnID}, nil
}

// --- Connection implementation ---

// Conn implements driver.Conn for one host session.
type Conn struct {
	connID string
	inTx   bool
}

var (
	_ driver.Pinger             = (*Conn)(nil)
	_ driver.ExecerContext      = (*Conn)(nil)
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.ConnBeginTx        = (*Conn)(nil)
)

// Prepare returns a prepared statement, suitable for query or execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var resp types.GeneralResponse
	if err := call(types.SQLRequest{Command: "prepare", ConnID: c.connID, SQL: query}, &resp); err != nil {
		return nil, err
	}
	if err := hostErr("prepare", resp.Error); err != nil {
		return nil, err
	}
	if resp.StmtID == "" {
		return nil, fmt.Errorf("sqlproxy: host did not return a StmtID for prepare")
	}
	return &Stmt{conn: c, query: query, stmtID: resp.StmtID}, nil
}

// Close ends the host session.
func (c *Conn) Close() error {
	var resp types.GeneralResponse
	if err := call(types.SQLRequest{Command: "close_conn", ConnID: c.connID}, &resp); err != nil {
		return err
	}
	return hostErr("close_conn", resp.Error)
}

// Ping reports driver.ErrBadConn when the host no longer has the session.
func (c *Conn) Ping(ctx context.Context) error {
	var resp types.GeneralResponse
	if err := call(types.SQLRequest{Command: "ping", ConnID: c.connID}, &resp); err != nil {
		return err
	}
	return hostErr("ping", resp.Error)
}

// ExecContext runs unprepared text on the session.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return execRequest(types.SQLRequest{Command: "exec", ConnID: c.connID, SQL: query}, namedValues(args))
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.inTx {
		return nil, fmt.Errorf("sqlproxy: transaction already active on this connection")
	}
	if opts.ReadOnly || opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("sqlproxy: transaction options are not supported")
	}
	if _, err := c.ExecContext(ctx, "begin", nil); err != nil {
		return nil, err
	}
	c.inTx = true
	return &Tx{conn: c}, nil
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface.
type Stmt struct {
	conn   *Conn
	query  string // Original query, mainly for context/debugging
	stmtID string // Host-provided statement ID
}

var (
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
)

// Close closes the statement.
func (s *Stmt) Close() error {
	if s.stmtID == "" {
		return nil
	}
	var resp types.GeneralResponse
	if err := call(types.SQLRequest{Command: "close_stmt", ConnID: s.conn.connID, StmtID: s.stmtID}, &resp); err != nil {
		return err
	}
	if err := hostErr("close_stmt", resp.Error); err != nil {
		return err
	}
	s.stmtID = "" // Mark as closed
	return nil
}

// NumInput returns -1; the host validates the argument count.
func (s *Stmt) NumInput() int {
	return -1
}

// Exec executes a prepared statement with the given arguments and returns a Result.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return execRequest(s.request("exec"), args)
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return execRequest(s.request("exec"), namedValues(args))
}

// Query executes a prepared statement with the given arguments and returns Rows.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return queryRequest(s.request("query"), args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return queryRequest(s.request("query"), namedValues(args))
}

func (s *Stmt) request(command string) types.SQLRequest {
	return types.SQLRequest{Command: command, ConnID: s.conn.connID, StmtID: s.stmtID}
}

func namedValues(args []driver.NamedValue) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	return values
}

// convertDriverValues makes arguments JSON-safe and records type hints for
// the values JSON would otherwise flatten to strings.
func convertDriverValues(args []driver.Value) ([]interface{}, []string) {
	interfaceArgs := make([]interface{}, len(args))
	hints := make([]string, len(args))
	for i, v := range args {
		switch val := v.(type) {
		case time.Time:
			interfaceArgs[i] = val.Format(time.RFC3339Nano)
			hints[i] = types.TypeTime
		case []byte:
			interfaceArgs[i] = base64.StdEncoding.EncodeToString(val)
			hints[i] = types.TypeBlob
		default:
			interfaceArgs[i] = v
		}
	}
	return interfaceArgs, hints
}

func execRequest(req types.SQLRequest, args []driver.Value) (driver.Result, error) {
	req.Args, req.Types = convertDriverValues(args)
	var resp types.ExecResponse
	if err := call(req, &resp); err != nil {
		return nil, err
	}
	if err := hostErr(req.Command, resp.Error); err != nil {
		return nil, err
	}
	return &sqlProxyResult{lastInsertID: resp.LastInsertID, rowsAffected: resp.RowsAffected}, nil
}

func queryRequest(req types.SQLRequest, args []driver.Value) (driver.Rows, error) {
	req.Args, req.Types = convertDriverValues(args)
	var resp types.QueryResponse
	if err := call(req, &resp); err != nil {
		return nil, err
	}
	if err := hostErr(req.Command, resp.Error); err != nil {
		return nil, err
	}
	return &sqlProxyRows{columns: resp.Columns, types: resp.Types, data: resp.Rows}, nil
}

// --- Transaction implementation ---

// Tx implements the driver.Tx interface.
type Tx struct {
	conn *Conn
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.finish("commit")
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.finish("rollback")
}

func (t *Tx) finish(text string) error {
	if !t.conn.inTx {
		return fmt.Errorf("sqlproxy: transaction already committed or rolled back")
	}
	// Regardless of the host's answer the transaction is over from the
	// client's point of view.
	t.conn.inTx = false
	_, err := t.conn.ExecContext(context.Background(), text, nil)
	return err
}

// --- Result implementation ---

// sqlProxyResult implements the driver.Result interface.
type sqlProxyResult struct {
	lastInsertID int64
	rowsAffected int64
}

// LastInsertId returns the database's auto-generated ID after, for example, an INSERT into a table with primary key.
func (r *sqlProxyResult) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

// RowsAffected returns the number of rows affected by the query.
func (r *sqlProxyResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// sqlProxyRows implements the driver.Rows interface. The host sends the
// whole result in one response.
type sqlProxyRows struct {
	columns         []string
	types           []string
	data            [][]interface{}
	currentRowIndex int
}

// Columns returns the names of the columns.
func (r *sqlProxyRows) Columns() []string {
	return r.columns
}

// Close closes the Rows, preventing further enumeration.
func (r *sqlProxyRows) Close() error {
	r.data = nil
	r.currentRowIndex = 0
	return nil
}

// Next populates dest with the next row and returns io.EOF at the end.
func (r *sqlProxyRows) Next(dest []driver.Value) error {
	if r.currentRowIndex >= len(r.data) {
		return io.EOF
	}

	rowData := r.data[r.currentRowIndex]
	if len(rowData) != len(dest) {
		return fmt.Errorf("sqlproxy: column count mismatch. Expected %d, got %d", len(dest), len(rowData))
	}

	for i, val := range rowData {
		v, err := r.decode(i, val)
		if err != nil {
			return err
		}
		dest[i] = v
	}

	r.currentRowIndex++
	return nil
}

// decode restores the Go type of a JSON cell using the column hint.
func (r *sqlProxyRows) decode(col int, val interface{}) (driver.Value, error) {
	hint := ""
	if col < len(r.types) {
		hint = r.types[col]
	}
	switch v := val.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Float64()
	case string:
		switch hint {
		case types.TypeBlob:
			return base64.StdEncoding.DecodeString(v)
		case types.TypeTime:
			return time.Parse(time.RFC3339Nano, v)
		}
		return v, nil
	case nil, bool, float64:
		return v, nil
	default:
		return nil, errors.New("sqlproxy: unexpected value in row")
	}
}
