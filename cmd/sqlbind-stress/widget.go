package main

import (
	"fmt"

	"github.com/tomyedwab/sqlbind/database"
	"github.com/tomyedwab/sqlbind/native"
)

// widgetBuffers holds the buffers of one widget row. The blob buffer
// starts small so large payloads go through truncation and refetch.
type widgetBuffers struct {
	id       int64
	name     string
	data     []byte
	dataLen  int
	dataNull bool
	dataErr  bool

	key int64
}

func (w *widgetBuffers) setData(b []byte) {
	w.data = append(w.data[:0], b...)
	w.dataLen = len(b)
	w.dataNull = b == nil
}

var widgetTraits = database.ObjectTraits{
	TypeID:      "widget",
	PersistText: "INSERT INTO widget (id, name, data) VALUES (?, ?, ?)",
	FindText:    "SELECT id, name, data FROM widget WHERE id = ?",
	UpdateText:  "UPDATE widget SET id = ?, name = ?, data = ? WHERE id = ?",
	EraseText:   "DELETE FROM widget WHERE id = ?",
	NewImage: func() (*database.Binding, *database.Binding, any) {
		w := &widgetBuffers{data: make([]byte, 0, 16)}
		image := database.NewBinding([]native.Bind{
			{Buffer: &w.id},
			{Buffer: &w.name},
			{Buffer: &w.data, Length: &w.dataLen, IsNull: &w.dataNull, Error: &w.dataErr},
		})
		id := database.NewBinding([]native.Bind{{Buffer: &w.key}})
		return image, id, w
	},
}

func widgetSchema(driver string) string {
	blob := "BLOB"
	if driver == "postgres" {
		blob = "BYTEA"
	}
	return "CREATE TABLE IF NOT EXISTS widget (id BIGINT PRIMARY KEY, name TEXT NOT NULL, data " + blob + ")"
}

// widgets returns the cached widget statements of conn and their buffers.
func widgets(conn *database.Connection) (*database.ObjectStatements, *widgetBuffers, error) {
	objs, err := conn.StatementCache().FindObject(&widgetTraits)
	if err != nil {
		return nil, nil, err
	}
	w, ok := objs.Buffers.(*widgetBuffers)
	if !ok {
		return nil, nil, fmt.Errorf("widget statements carry %T buffers", objs.Buffers)
	}
	return objs, w, nil
}
