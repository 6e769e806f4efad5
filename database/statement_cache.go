package database

import (
	"context"
	"fmt"

	"github.com/tomyedwab/sqlbind/native"
)

// TypeID identifies a mapped type in the statement cache.
type TypeID string

// ObjectTraits describes how one persistent type maps onto statements.
//
// The image binding covers every column of the row, id columns included,
// in the order PersistText lists them and FindText selects them.
// UpdateText takes the image columns followed by the id columns, so a
// typical form is "UPDATE t SET id = ?, a = ? WHERE id = ?".
type ObjectTraits struct {
	TypeID TypeID

	PersistText string
	FindText    string
	UpdateText  string
	EraseText   string

	// NewImage allocates the row buffers for one connection's bundle and
	// returns the bindings over them. buffers is kept on the bundle as
	// ObjectStatements.Buffers.
	NewImage func() (image, id *Binding, buffers any)
}

// ViewTraits describes a read-only projection.
type ViewTraits struct {
	TypeID   TypeID
	NewImage func() (image *Binding, buffers any)
}

type cacheEntry interface {
	close()
}

// StatementCache maps type identity to the statement bundle for that type
// on one connection. Entries are created on first use and live as long as
// the connection. Like the connection, the cache is not synchronized.
type StatementCache struct {
	conn    *Connection
	entries map[TypeID]cacheEntry
}

func newStatementCache(conn *Connection) *StatementCache {
	return &StatementCache{
		conn:    conn,
		entries: make(map[TypeID]cacheEntry),
	}
}

// FindObject returns the statements for traits.TypeID, creating the bundle
// on first use.
func (c *StatementCache) FindObject(traits *ObjectTraits) (*ObjectStatements, error) {
	if e, ok := c.entries[traits.TypeID]; ok {
		objs, ok := e.(*ObjectStatements)
		if !ok {
			return nil, fmt.Errorf("database: type %s is cached as a view", traits.TypeID)
		}
		return objs, nil
	}
	objs := &ObjectStatements{
		conn:   c.conn,
		traits: traits,
	}
	objs.Image, objs.ID, objs.Buffers = traits.NewImage()
	c.entries[traits.TypeID] = objs
	return objs, nil
}

// FindView returns the statements for a view type, creating the bundle on
// first use.
func (c *StatementCache) FindView(traits *ViewTraits) (*ViewStatements, error) {
	if e, ok := c.entries[traits.TypeID]; ok {
		vs, ok := e.(*ViewStatements)
		if !ok {
			return nil, fmt.Errorf("database: type %s is cached as an object", traits.TypeID)
		}
		return vs, nil
	}
	vs := &ViewStatements{
		conn:   c.conn,
		traits: traits,
	}
	vs.Image, vs.Buffers = traits.NewImage()
	c.entries[traits.TypeID] = vs
	return vs, nil
}

// Len returns the number of cached bundles.
func (c *StatementCache) Len() int {
	return len(c.entries)
}

func (c *StatementCache) close() {
	for id, e := range c.entries {
		e.close()
		delete(c.entries, id)
	}
}

// ObjectStatements is the per-connection statement bundle of one
// persistent type. The caller fills Image and ID before each operation;
// the statements are prepared lazily on first use.
type ObjectStatements struct {
	conn   *Connection
	traits *ObjectTraits

	Image   *Binding
	ID      *Binding
	Buffers any

	persist *InsertStatement
	find    *SelectStatement
	update  *UpdateStatement
	erase   *DeleteStatement
}

func (o *ObjectStatements) PersistStatement(ctx context.Context) (*InsertStatement, error) {
	if o.persist == nil {
		s, err := NewInsertStatement(ctx, o.conn, o.traits.PersistText, o.Image)
		if err != nil {
			return nil, err
		}
		o.persist = s
	}
	return o.persist, nil
}

func (o *ObjectStatements) FindStatement(ctx context.Context) (*SelectStatement, error) {
	if o.find == nil {
		s, err := NewSelectStatement(ctx, o.conn, o.traits.FindText, o.ID, o.Image)
		if err != nil {
			return nil, err
		}
		o.find = s
	}
	return o.find, nil
}

func (o *ObjectStatements) UpdateStatement(ctx context.Context) (*UpdateStatement, error) {
	if o.update == nil {
		s, err := NewUpdateStatement(ctx, o.conn, o.traits.UpdateText, o.ID, o.Image)
		if err != nil {
			return nil, err
		}
		o.update = s
	}
	return o.update, nil
}

func (o *ObjectStatements) EraseStatement(ctx context.Context) (*DeleteStatement, error) {
	if o.erase == nil {
		s, err := NewDeleteStatement(ctx, o.conn, o.traits.EraseText, o.ID)
		if err != nil {
			return nil, err
		}
		o.erase = s
	}
	return o.erase, nil
}

// Persist inserts the row in Image. It returns ErrAlreadyPersistent if a
// row with the same key exists.
func (o *ObjectStatements) Persist(ctx context.Context) error {
	s, err := o.PersistStatement(ctx)
	if err != nil {
		return err
	}
	ok, err := s.Execute(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyPersistent
	}
	return nil
}

// Find loads the row with the key in ID into Image. Truncated []byte
// columns are grown and fetched again.
func (o *ObjectStatements) Find(ctx context.Context) (bool, error) {
	s, err := o.FindStatement(ctx)
	if err != nil {
		return false, err
	}
	if err := s.Execute(ctx); err != nil {
		return false, err
	}
	status, err := s.Fetch()
	if err == nil && status == native.FetchTruncated {
		GrowTruncated(o.Image)
		err = s.Refetch()
	}
	if ferr := s.FreeResult(); err == nil {
		err = ferr
	}
	if err != nil {
		return false, err
	}
	return status != native.FetchNoData, nil
}

// Update stores Image over the row with the key in ID.
func (o *ObjectStatements) Update(ctx context.Context) error {
	s, err := o.UpdateStatement(ctx)
	if err != nil {
		return err
	}
	n, err := s.Execute(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPersistent
	}
	return nil
}

// Erase deletes the row with the key in ID.
func (o *ObjectStatements) Erase(ctx context.Context) error {
	s, err := o.EraseStatement(ctx)
	if err != nil {
		return err
	}
	n, err := s.Execute(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPersistent
	}
	return nil
}

func (o *ObjectStatements) close() {
	if o.find != nil {
		o.find.Close()
		o.find = nil
	}
	if o.persist != nil {
		o.persist.Close()
		o.persist = nil
	}
	if o.update != nil {
		o.update.Close()
		o.update = nil
	}
	if o.erase != nil {
		o.erase.Close()
		o.erase = nil
	}
}

// ViewStatements is the per-connection bundle of one view type. Every
// query fetches into the shared Image.
type ViewStatements struct {
	conn   *Connection
	traits *ViewTraits

	Image   *Binding
	Buffers any

	queries map[string]*SelectStatement
}

// Query returns a select over the view for text, preparing it on first
// use. Asking again with the same text and param returns the same
// statement. The statement stays owned by the bundle and is closed with
// the connection.
func (v *ViewStatements) Query(ctx context.Context, text string, param *Binding) (*SelectStatement, error) {
	if s, ok := v.queries[text]; ok {
		if s.param.binding == param {
			return s, nil
		}
		s.Close()
		delete(v.queries, text)
	}
	s, err := NewSelectStatement(ctx, v.conn, text, param, v.Image)
	if err != nil {
		return nil, err
	}
	if v.queries == nil {
		v.queries = make(map[string]*SelectStatement)
	}
	v.queries[text] = s
	return s, nil
}

func (v *ViewStatements) close() {
	for text, s := range v.queries {
		s.Close()
		delete(v.queries, text)
	}
}
