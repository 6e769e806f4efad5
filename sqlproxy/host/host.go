package host

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/sqlbind/native"
	"github.com/tomyedwab/sqlbind/sqlproxy/types"
)

// session is one proxied connection, pinned to a single physical
// connection so that raw "begin"/"commit" text and prepared statements
// all run on the same server session.
type session struct {
	conn  *sql.Conn
	stmts map[string]*sql.Stmt
}

// SQLHost handles proxy requests against a database/sql handle.
// It manages sessions and their prepared statements.
type SQLHost struct {
	db         *sql.DB
	driverName string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSQLHost creates a new SQLHost instance. driverName selects the error
// classifier used to report structured errors back to the proxy driver.
func NewSQLHost(db *sql.DB, driverName string, logger *slog.Logger) *SQLHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLHost{
		db:         db,
		driverName: driverName,
		logger:     logger,
		sessions:   make(map[string]*session),
	}
}

// HandleRequest processes a raw SQL request payload and returns a raw response payload.
// This is the main entry point for host-side SQL proxying logic.
func (h *SQLHost) HandleRequest(requestPayload []byte) ([]byte, error) {
	var req types.SQLRequest
	dec := json.NewDecoder(bytes.NewReader(requestPayload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return marshalErrorResponse(&types.HostError{Code: -1, Message: fmt.Sprintf("failed to unmarshal request: %v", err)})
	}

	ctx := context.Background()
	var responseData interface{}
	var opErr error

	switch req.Command {
	case "open_conn":
		responseData, opErr = h.handleOpenConn(ctx)
	case "close_conn":
		responseData, opErr = h.handleCloseConn(&req)
	case "ping":
		responseData, opErr = h.handlePing(ctx, &req)
	case "prepare":
		responseData, opErr = h.handlePrepare(ctx, &req)
	case "query":
		responseData, opErr = h.handleQuery(ctx, &req)
	case "exec":
		responseData, opErr = h.handleExec(ctx, &req)
	case "close_stmt":
		responseData, opErr = h.handleCloseStmt(&req)
	default:
		opErr = fmt.Errorf("unknown command: %s", req.Command)
	}

	if opErr != nil {
		return marshalErrorResponse(h.hostError(opErr))
	}

	return json.Marshal(responseData)
}

// DropConn closes a session's physical connection as if the server had
// gone away. Later requests for the session fail with a connection error.
func (h *SQLHost) DropConn(connID string) {
	h.mu.Lock()
	s, ok := h.sessions[connID]
	delete(h.sessions, connID)
	h.mu.Unlock()
	if ok {
		closeSession(s)
		h.logger.Debug("sqlproxy session dropped", "conn_id", connID)
	}
}

// Sessions returns the number of open sessions.
func (h *SQLHost) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SessionIDs returns the IDs of the open sessions in no particular order.
func (h *SQLHost) SessionIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// errNoSession is reported as a connection-kind error so the proxy driver
// can tell the caller that its session is gone.
type errNoSession string

func (e errNoSession) Error() string {
	return fmt.Sprintf("session not found: %s", string(e))
}

func (h *SQLHost) hostError(err error) *types.HostError {
	if e, ok := err.(errNoSession); ok {
		return &types.HostError{Code: -1, State: "08003", Kind: native.KindConnection.String(), Message: e.Error()}
	}
	ne := native.Classify(h.driverName, err)
	he := &types.HostError{Code: ne.Number, State: ne.SQLState, Message: ne.Message}
	if ne.Kind != native.KindOther {
		he.Kind = ne.Kind.String()
	}
	return he
}

func marshalErrorResponse(he *types.HostError) ([]byte, error) {
	resp := types.GeneralResponse{Error: he}
	payload, err := json.Marshal(resp)
	if err != nil {
		// This is a critical failure: can't even marshal the error response.
		// Return a hardcoded JSON string and the marshalling error.
		return []byte(`{"error":{"code":-1,"message":"critical: failed to marshal error response"}}`),
			fmt.Errorf("failed to marshal error response for '%s': %w", he.Message, err)
	}
	// The error for HandleRequest itself is nil here, as the operational error is packaged in the payload.
	return payload, nil
}

func (h *SQLHost) session(connID string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[connID]
	if !ok {
		return nil, errNoSession(connID)
	}
	return s, nil
}

func (h *SQLHost) handleOpenConn(ctx context.Context) (types.GeneralResponse, error) {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return types.GeneralResponse{}, err
	}

	connID := uuid.NewString()
	h.mu.Lock()
	h.sessions[connID] = &session{conn: conn, stmts: make(map[string]*sql.Stmt)}
	h.mu.Unlock()

	h.logger.Debug("sqlproxy session opened", "conn_id", connID)
	return types.GeneralResponse{ConnID: connID}, nil
}

func (h *SQLHost) handleCloseConn(req *types.SQLRequest) (types.GeneralResponse, error) {
	h.mu.Lock()
	s, ok := h.sessions[req.ConnID]
	delete(h.sessions, req.ConnID)
	h.mu.Unlock()

	// Closing an unknown session is not an error; it may have been dropped.
	if ok {
		closeSession(s)
		h.logger.Debug("sqlproxy session closed", "conn_id", req.ConnID)
	}
	return types.GeneralResponse{}, nil
}

func closeSession(s *session) {
	for id, stmt := range s.stmts {
		_ = stmt.Close() // Ignore error, best effort
		delete(s.stmts, id)
	}
	_ = s.conn.Close()
}

func (h *SQLHost) handlePing(ctx context.Context, req *types.SQLRequest) (types.GeneralResponse, error) {
	s, err := h.session(req.ConnID)
	if err != nil {
		return types.GeneralResponse{}, err
	}
	if err := s.conn.PingContext(ctx); err != nil {
		return types.GeneralResponse{}, err
	}
	return types.GeneralResponse{}, nil
}

func (h *SQLHost) handlePrepare(ctx context.Context, req *types.SQLRequest) (types.GeneralResponse, error) {
	s, err := h.session(req.ConnID)
	if err != nil {
		return types.GeneralResponse{}, err
	}

	stmt, err := s.conn.PrepareContext(ctx, req.SQL)
	if err != nil {
		return types.GeneralResponse{}, err
	}

	stmtID := uuid.NewString()
	h.mu.Lock()
	s.stmts[stmtID] = stmt
	h.mu.Unlock()
	return types.GeneralResponse{StmtID: stmtID}, nil
}

// lookup resolves the session and, if the request names one, the
// prepared statement.
func (h *SQLHost) lookup(req *types.SQLRequest) (*session, *sql.Stmt, error) {
	s, err := h.session(req.ConnID)
	if err != nil {
		return nil, nil, err
	}
	if req.StmtID == "" {
		return s, nil, nil
	}
	h.mu.Lock()
	stmt, ok := s.stmts[req.StmtID]
	h.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("statement not found: %s", req.StmtID)
	}
	return s, stmt, nil
}

func (h *SQLHost) handleExec(ctx context.Context, req *types.SQLRequest) (types.ExecResponse, error) {
	s, stmt, err := h.lookup(req)
	if err != nil {
		return types.ExecResponse{}, err
	}
	args, err := decodeArgs(req.Args, req.Types)
	if err != nil {
		return types.ExecResponse{}, err
	}

	var res sql.Result
	if stmt != nil {
		res, err = stmt.ExecContext(ctx, args...)
	} else {
		res, err = s.conn.ExecContext(ctx, req.SQL, args...)
	}
	if err != nil {
		return types.ExecResponse{}, err
	}

	// Not every driver supports both; zero is reported when unavailable.
	lastInsertID, _ := res.LastInsertId()
	rowsAffected, _ := res.RowsAffected()
	return types.ExecResponse{LastInsertID: lastInsertID, RowsAffected: rowsAffected}, nil
}

func (h *SQLHost) handleQuery(ctx context.Context, req *types.SQLRequest) (types.QueryResponse, error) {
	s, stmt, err := h.lookup(req)
	if err != nil {
		return types.QueryResponse{}, err
	}
	args, err := decodeArgs(req.Args, req.Types)
	if err != nil {
		return types.QueryResponse{}, err
	}

	var rows *sql.Rows
	if stmt != nil {
		rows, err = stmt.QueryContext(ctx, args...)
	} else {
		rows, err = s.conn.QueryContext(ctx, req.SQL, args...)
	}
	if err != nil {
		return types.QueryResponse{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return types.QueryResponse{}, fmt.Errorf("failed to get columns: %w", err)
	}

	colTypes := make([]string, len(columns))
	results := [][]interface{}{}
	scanArgs := make([]interface{}, len(columns))
	scanPtrs := make([]interface{}, len(columns))
	for i := range scanArgs {
		scanPtrs[i] = &scanArgs[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return types.QueryResponse{}, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, processRowValues(scanArgs, colTypes))
	}

	if err := rows.Err(); err != nil {
		return types.QueryResponse{}, err
	}

	return types.QueryResponse{Columns: columns, Types: colTypes, Rows: results}, nil
}

// processRowValues makes a row JSON-safe and records which columns carry
// bytes or times so the driver can restore them.
func processRowValues(rawRow []interface{}, colTypes []string) []interface{} {
	processedRow := make([]interface{}, len(rawRow))
	for i, val := range rawRow {
		switch v := val.(type) {
		case nil:
			processedRow[i] = nil
		case []byte:
			processedRow[i] = base64.StdEncoding.EncodeToString(v)
			colTypes[i] = types.TypeBlob
		case time.Time:
			processedRow[i] = v.Format(time.RFC3339Nano)
			colTypes[i] = types.TypeTime
		default:
			processedRow[i] = v
		}
	}
	return processedRow
}

// decodeArgs restores argument types lost in JSON.
func decodeArgs(args []interface{}, hints []string) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		hint := ""
		if i < len(hints) {
			hint = hints[i]
		}
		switch v := a.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
			} else {
				f, err := v.Float64()
				if err != nil {
					return nil, fmt.Errorf("argument %d: %w", i, err)
				}
				out[i] = f
			}
		case string:
			switch hint {
			case types.TypeBlob:
				b, err := base64.StdEncoding.DecodeString(v)
				if err != nil {
					return nil, fmt.Errorf("argument %d: %w", i, err)
				}
				out[i] = b
			case types.TypeTime:
				t, err := time.Parse(time.RFC3339Nano, v)
				if err != nil {
					return nil, fmt.Errorf("argument %d: %w", i, err)
				}
				out[i] = t
			default:
				out[i] = v
			}
		default:
			out[i] = v
		}
	}
	return out, nil
}
