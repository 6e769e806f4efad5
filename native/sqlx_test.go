package native

import (
	"bytes"
	"context"
	"errors"
	"path"
	"testing"
)

const testSchema = `
CREATE TABLE widget (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	data BLOB
)
`

// setupConnector opens a sqlite connector on a temporary file with the
// widget table created.
func setupConnector(t *testing.T) *SQLXConnector {
	c, err := Open("sqlite3", path.Join(t.TempDir(), "test_native.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	c.DB().MustExec(testSchema)
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

func connect(t *testing.T, c *SQLXConnector) Conn {
	conn, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func prepare(t *testing.T, conn Conn, text string) Stmt {
	stmt, err := conn.NewStmt()
	if err != nil {
		t.Fatalf("NewStmt returned error: %v", err)
	}
	if err := stmt.Prepare(context.Background(), text); err != nil {
		t.Fatalf("Prepare(%q) returned error: %v", text, err)
	}
	t.Cleanup(func() {
		stmt.Close()
	})
	return stmt
}

func insertWidget(t *testing.T, conn Conn, id int64, name string, data []byte) {
	stmt := prepare(t, conn, "INSERT INTO widget (id, name, data) VALUES (?, ?, ?)")
	dataNull := data == nil
	if err := stmt.BindParam([]Bind{
		{Buffer: &id},
		{Buffer: &name},
		{Buffer: &data, IsNull: &dataNull},
	}); err != nil {
		t.Fatalf("BindParam returned error: %v", err)
	}
	if err := stmt.Execute(context.Background()); err != nil {
		t.Fatalf("insert of widget %d failed: %v", id, err)
	}
	if stmt.AffectedRows() != 1 {
		t.Errorf("expected 1 affected row, got %d", stmt.AffectedRows())
	}
}

type widgetRow struct {
	id       int64
	name     string
	data     []byte
	dataLen  int
	dataNull bool
	dataErr  bool
}

func (r *widgetRow) binds() []Bind {
	return []Bind{
		{Buffer: &r.id},
		{Buffer: &r.name},
		{Buffer: &r.data, Length: &r.dataLen, IsNull: &r.dataNull, Error: &r.dataErr},
	}
}

func TestExecuteAndFetch(t *testing.T) {
	c := setupConnector(t)
	conn := connect(t, c)

	insertWidget(t, conn, 1, "sprocket", []byte("abc"))
	insertWidget(t, conn, 2, "gear", nil)

	stmt := prepare(t, conn, "SELECT id, name, data FROM widget ORDER BY id")
	row := widgetRow{data: make([]byte, 0, 16)}
	if err := stmt.BindResult(row.binds()); err != nil {
		t.Fatalf("BindResult returned error: %v", err)
	}
	if err := stmt.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	status, err := stmt.Fetch()
	if err != nil || status != FetchOK {
		t.Fatalf("expected first row, got %s, %v", status, err)
	}
	if row.id != 1 || row.name != "sprocket" || string(row.data) != "abc" || row.dataLen != 3 || row.dataNull {
		t.Errorf("unexpected first row %+v", row)
	}

	status, err = stmt.Fetch()
	if err != nil || status != FetchOK {
		t.Fatalf("expected second row, got %s, %v", status, err)
	}
	if row.id != 2 || row.name != "gear" || !row.dataNull || row.dataLen != 0 {
		t.Errorf("unexpected second row %+v", row)
	}

	status, err = stmt.Fetch()
	if err != nil || status != FetchNoData {
		t.Fatalf("expected no data, got %s, %v", status, err)
	}
}

func TestFetchTruncatedAndFetchColumn(t *testing.T) {
	c := setupConnector(t)
	conn := connect(t, c)

	payload := []byte("0123456789")
	insertWidget(t, conn, 1, "sprocket", payload)

	stmt := prepare(t, conn, "SELECT id, name, data FROM widget")
	row := widgetRow{data: make([]byte, 0, 4)}
	stmt.BindResult(row.binds())
	if err := stmt.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	status, err := stmt.Fetch()
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if status != FetchTruncated {
		t.Fatalf("expected truncated fetch, got %s", status)
	}
	if !row.dataErr || row.dataLen != len(payload) || string(row.data) != "0123" {
		t.Errorf("unexpected truncated row: data=%q len=%d err=%v", row.data, row.dataLen, row.dataErr)
	}

	row.data = make([]byte, 0, row.dataLen)
	if err := stmt.FetchColumn(2); err != nil {
		t.Fatalf("FetchColumn returned error: %v", err)
	}
	if !bytes.Equal(row.data, payload) || row.dataErr {
		t.Errorf("expected full payload after refetch, got %q (err flag %v)", row.data, row.dataErr)
	}
}

func TestStoreResultAndDataSeek(t *testing.T) {
	c := setupConnector(t)
	conn := connect(t, c)
	for i, name := range []string{"a", "b", "c"} {
		insertWidget(t, conn, int64(i+1), name, nil)
	}

	stmt := prepare(t, conn, "SELECT id, name, data FROM widget ORDER BY id")
	row := widgetRow{}
	stmt.BindResult(row.binds())
	if err := stmt.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if _, err := stmt.Fetch(); err != nil || row.name != "a" {
		t.Fatalf("expected first row a, got %q, %v", row.name, err)
	}

	if err := stmt.StoreResult(); err != nil {
		t.Fatalf("StoreResult returned error: %v", err)
	}
	if stmt.NumRows() != 2 {
		t.Fatalf("expected 2 stored rows, got %d", stmt.NumRows())
	}

	// Another statement may run on the session once the rows are stored.
	insertWidget(t, conn, 4, "d", nil)

	if _, err := stmt.Fetch(); err != nil || row.name != "b" {
		t.Fatalf("expected stored row b, got %q, %v", row.name, err)
	}
	if err := stmt.DataSeek(0); err != nil {
		t.Fatalf("DataSeek returned error: %v", err)
	}
	if _, err := stmt.Fetch(); err != nil || row.name != "b" {
		t.Fatalf("expected b again after seek, got %q, %v", row.name, err)
	}
	stmt.Fetch()
	if status, _ := stmt.Fetch(); status != FetchNoData {
		t.Errorf("expected end of stored rows, got %s", status)
	}
	if err := stmt.DataSeek(3); err == nil {
		t.Error("expected DataSeek past the end to fail")
	}
}

func TestDuplicateKeyIsClassified(t *testing.T) {
	c := setupConnector(t)
	conn := connect(t, c)
	insertWidget(t, conn, 1, "sprocket", nil)

	stmt := prepare(t, conn, "INSERT INTO widget (id, name) VALUES (?, ?)")
	id, name := int64(1), "again"
	stmt.BindParam([]Bind{{Buffer: &id}, {Buffer: &name}})
	err := stmt.Execute(context.Background())
	var ne *Error
	if !errors.As(err, &ne) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if ne.Kind != KindDuplicateKey {
		t.Errorf("expected duplicate key, got %s", ne.Kind)
	}
}

func TestConnExec(t *testing.T) {
	c := setupConnector(t)
	conn := connect(t, c)
	ctx := context.Background()

	if _, err := conn.Exec(ctx, "begin"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	insertWidget(t, conn, 1, "sprocket", nil)
	if _, err := conn.Exec(ctx, "rollback"); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	var n int
	if err := c.DB().Get(&n, "SELECT COUNT(*) FROM widget"); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback to discard the insert, found %d rows", n)
	}

	if err := conn.Ping(ctx); err != nil {
		t.Errorf("Ping returned error: %v", err)
	}
}

func TestClosedSession(t *testing.T) {
	c := setupConnector(t)
	conn, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
	if _, err := conn.NewStmt(); err == nil {
		t.Error("expected NewStmt on a closed session to fail")
	}
}
