package types

import "fmt"

// --- JSON structures for host communication ---

// SQLRequest defines the structure for requests sent to the host.
type SQLRequest struct {
	Command string        `json:"command"`
	ConnID  string        `json:"conn_id,omitempty"` // Session opened by 'open_conn'
	SQL     string        `json:"sql,omitempty"`
	Args    []interface{} `json:"args,omitempty"` // Processed driver.Value
	Types   []string      `json:"types,omitempty"` // Per-arg type hints, parallel to Args
	StmtID  string        `json:"stmt_id,omitempty"`
}

// HostError is a structured error reported by the host. Kind is one of
// "out_of_memory", "deadlock", "duplicate_key", "connection" or empty.
type HostError struct {
	Code    int    `json:"code"`
	State   string `json:"state,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *HostError) Error() string {
	return fmt.Sprintf("sqlproxy: host error %d (%s): %s", e.Code, e.State, e.Message)
}

// GeneralResponse is used for commands that don't return rows or specific exec results (e.g., open, prepare, ping, close).
type GeneralResponse struct {
	ConnID string     `json:"conn_id,omitempty"` // For 'open_conn', the new session ID
	StmtID string     `json:"stmt_id,omitempty"` // For 'prepare', the new statement ID
	Error  *HostError `json:"error,omitempty"`
}

// QueryResponse defines the structure for responses from 'query' commands.
type QueryResponse struct {
	Columns []string        `json:"columns"`
	Types   []string        `json:"types,omitempty"` // Per-column hints: "blob", "time" or empty
	Rows    [][]interface{} `json:"rows"`            // []byte as base64, time.Time as RFC3339Nano
	Error   *HostError      `json:"error,omitempty"`
}

// ExecResponse defines the structure for responses from 'exec' commands.
type ExecResponse struct {
	LastInsertID int64      `json:"last_insert_id"`
	RowsAffected int64      `json:"rows_affected"`
	Error        *HostError `json:"error,omitempty"`
}

const (
	TypeBlob = "blob"
	TypeTime = "time"
)
