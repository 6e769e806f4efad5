package driver_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/sqlbind/database"
	"github.com/tomyedwab/sqlbind/native"
	"github.com/tomyedwab/sqlbind/sqlproxy/driver"
	"github.com/tomyedwab/sqlbind/sqlproxy/host"
	"github.com/tomyedwab/sqlbind/sqlproxy/types"
)

const widgetSchema = `
CREATE TABLE widget (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	data BLOB
)
`

type widgetRow struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
	Data []byte `db:"data"`
}

// setupHost serves a temporary sqlite database through the proxy driver.
func setupHost(t *testing.T) *host.SQLHost {
	backing, err := sqlx.Connect("sqlite3", path.Join(t.TempDir(), "test_proxy.db"))
	if err != nil {
		t.Fatalf("sqlx.Connect returned error: %v", err)
	}
	backing.MustExec(widgetSchema)

	h := host.NewSQLHost(backing.DB, "sqlite3", slog.New(slog.NewTextHandler(io.Discard, nil)))
	driver.SetHostHandler(h.HandleRequest)
	t.Cleanup(func() {
		driver.SetHostHandler(nil)
		backing.Close()
	})
	return h
}

func TestDriverRoundTrip(t *testing.T) {
	h := setupHost(t)

	db, err := sqlx.Open("sqlproxy", "")
	if err != nil {
		t.Fatalf("sqlx.Open returned error: %v", err)
	}

	data := []byte{0, 1, 2, 255}
	db.MustExec("INSERT INTO widget (id, name, data) VALUES (?, ?, ?)", 1, "one", data)

	var w widgetRow
	if err := db.Get(&w, "SELECT id, name, data FROM widget WHERE id = ?", 1); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if w.ID != 1 || w.Name != "one" || !bytes.Equal(w.Data, data) {
		t.Errorf("got widget %+v, expected id 1 named one with data %v", w, data)
	}

	if h.Sessions() == 0 {
		t.Error("expected an open session while the handle is in use")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if n := h.Sessions(); n != 0 {
		t.Errorf("expected all sessions closed, got %d", n)
	}
}

func TestDriverReportsDuplicateKey(t *testing.T) {
	setupHost(t)

	db, err := sqlx.Open("sqlproxy", "")
	if err != nil {
		t.Fatalf("sqlx.Open returned error: %v", err)
	}
	defer db.Close()

	db.MustExec("INSERT INTO widget (id, name) VALUES (?, ?)", 1, "one")
	_, err = db.Exec("INSERT INTO widget (id, name) VALUES (?, ?)", 1, "again")
	if err == nil {
		t.Fatal("expected an error inserting a duplicate key")
	}

	var he *types.HostError
	if !errors.As(err, &he) {
		t.Fatalf("expected a HostError, got %T: %v", err, err)
	}
	if he.Kind != native.KindDuplicateKey.String() {
		t.Errorf("expected kind %q, got %q", native.KindDuplicateKey, he.Kind)
	}
	if kind := native.Classify("sqlproxy", err).Kind; kind != native.KindDuplicateKey {
		t.Errorf("expected classified kind %v, got %v", native.KindDuplicateKey, kind)
	}
}

func TestDriverRejectsCallsWithoutHost(t *testing.T) {
	driver.SetHostHandler(nil)

	db, err := sqlx.Open("sqlproxy", "")
	if err != nil {
		t.Fatalf("sqlx.Open returned error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err == nil {
		t.Error("expected Ping to fail without a host handler")
	}
}

type widget struct {
	id      int64
	name    string
	data    []byte
	dataLen int
	dataErr bool
	key     int64
}

var widgetTraits = database.ObjectTraits{
	TypeID:      "widget",
	PersistText: "INSERT INTO widget (id, name, data) VALUES (?, ?, ?)",
	FindText:    "SELECT id, name, data FROM widget WHERE id = ?",
	UpdateText:  "UPDATE widget SET id = ?, name = ?, data = ? WHERE id = ?",
	EraseText:   "DELETE FROM widget WHERE id = ?",
	NewImage: func() (*database.Binding, *database.Binding, any) {
		w := &widget{data: make([]byte, 0, 2)}
		image := database.NewBinding([]native.Bind{
			{Buffer: &w.id},
			{Buffer: &w.name},
			{Buffer: &w.data, Length: &w.dataLen, Error: &w.dataErr},
		})
		id := database.NewBinding([]native.Bind{{Buffer: &w.key}})
		return image, id, w
	},
}

func openProxyDatabase(t *testing.T) (*database.Database, *database.PoolFactory) {
	pool, err := database.NewPoolFactory(database.PoolConfig{MaxConnections: 2, Ping: true})
	if err != nil {
		t.Fatalf("NewPoolFactory returned error: %v", err)
	}
	db, err := database.Open(context.Background(), database.Config{
		DriverName: "sqlproxy",
		Factory:    pool,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db, pool
}

func findWidget(t *testing.T, db *database.Database, id int64) (*widget, bool) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection returned error: %v", err)
	}
	defer conn.Release()

	objs, err := conn.StatementCache().FindObject(&widgetTraits)
	if err != nil {
		t.Fatalf("FindObject returned error: %v", err)
	}
	w := objs.Buffers.(*widget)
	w.key = id
	found, err := objs.Find(ctx)
	if err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	return w, found
}

func TestTransactionOnProxySession(t *testing.T) {
	setupHost(t)
	db, _ := openProxyDatabase(t)
	ctx := context.Background()

	persist := func(id int64, data []byte) *database.Transaction {
		t.Helper()
		tx, err := db.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin returned error: %v", err)
		}
		objs, err := tx.Connection().StatementCache().FindObject(&widgetTraits)
		if err != nil {
			t.Fatalf("FindObject returned error: %v", err)
		}
		w := objs.Buffers.(*widget)
		w.id, w.key, w.name = id, id, "proxied"
		w.data = append(w.data[:0], data...)
		w.dataLen = len(data)
		if err := objs.Persist(ctx); err != nil {
			t.Fatalf("Persist returned error: %v", err)
		}
		return tx
	}

	tx := persist(1, []byte("rolled back"))
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if _, found := findWidget(t, db, 1); found {
		t.Error("expected the rolled back widget to be absent")
	}

	data := []byte("longer than the image buffer")
	tx = persist(2, data)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	w, found := findWidget(t, db, 2)
	if !found {
		t.Fatal("expected the committed widget to be found")
	}
	if w.name != "proxied" || !bytes.Equal(w.data, data) {
		t.Errorf("got name %q data %q, expected proxied %q", w.name, w.data, data)
	}
}

func TestProxyDuplicatePersist(t *testing.T) {
	setupHost(t)
	db, _ := openProxyDatabase(t)
	ctx := context.Background()

	conn, err := db.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection returned error: %v", err)
	}
	defer conn.Release()

	objs, err := conn.StatementCache().FindObject(&widgetTraits)
	if err != nil {
		t.Fatalf("FindObject returned error: %v", err)
	}
	w := objs.Buffers.(*widget)
	w.id, w.key, w.name = 7, 7, "seven"
	if err := objs.Persist(ctx); err != nil {
		t.Fatalf("Persist returned error: %v", err)
	}
	if err := objs.Persist(ctx); !errors.Is(err, database.ErrAlreadyPersistent) {
		t.Errorf("expected ErrAlreadyPersistent, got %v", err)
	}
}

func TestPoolReplacesDroppedSession(t *testing.T) {
	h := setupHost(t)
	db, pool := openProxyDatabase(t)
	ctx := context.Background()

	conn, err := db.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection returned error: %v", err)
	}
	first := conn.ID()
	conn.Release()

	ids := h.SessionIDs()
	if len(ids) != 1 {
		t.Fatalf("expected one session, got %d", len(ids))
	}
	h.DropConn(ids[0])

	conn, err = db.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection returned error: %v", err)
	}
	defer conn.Release()
	if conn.ID() == first {
		t.Error("expected the dropped connection to be replaced")
	}
	if err := conn.Ping(ctx); err != nil {
		t.Errorf("Ping on the replacement returned error: %v", err)
	}

	ids = h.SessionIDs()
	if len(ids) != 1 {
		t.Errorf("expected one live session, got %d", len(ids))
	}
	if stats := pool.Stats(); stats.InUse != 1 || stats.Idle != 0 {
		t.Errorf("unexpected pool stats %+v", stats)
	}
}
