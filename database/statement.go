package database

import (
	"context"
	"errors"

	"github.com/tomyedwab/sqlbind/native"
)

// statement owns one prepared native handle borrowed from its connection.
// On Close the handle goes back through the connection rather than being
// closed directly, since the session may be streaming another result.
type statement struct {
	conn *Connection
	stmt native.Stmt
	text string
}

func (s *statement) init(ctx context.Context, conn *Connection, text string) error {
	h, err := conn.allocStmtHandle()
	if err != nil {
		return err
	}
	if err := h.Prepare(ctx, text); err != nil {
		conn.freeStmtHandle(h)
		return translateError(conn, err)
	}
	s.conn = conn
	s.stmt = h
	s.text = text
	return nil
}

// Connection returns the connection the statement was prepared on.
func (s *statement) Connection() *Connection {
	return s.conn
}

// Text returns the statement text.
func (s *statement) Text() string {
	return s.text
}

// prepareExecute clears the connection and re-registers parameters whose
// binding version moved since the last execute.
func (s *statement) prepareExecute(param *boundVersion) error {
	if s.stmt == nil {
		return ErrStatementClosed
	}
	if err := s.conn.Clear(); err != nil {
		return err
	}
	if err := s.stmt.Reset(); err != nil {
		return translateError(s.conn, err)
	}
	if param.changed() {
		if err := s.stmt.BindParam(param.binding.Bind); err != nil {
			return translateError(s.conn, err)
		}
		param.sync()
	}
	return nil
}

func (s *statement) release() {
	if s.stmt != nil {
		s.conn.freeStmtHandle(s.stmt)
		s.stmt = nil
	}
}

// InsertStatement persists one row. A duplicate key is an expected
// outcome reported by Execute's boolean result.
type InsertStatement struct {
	statement
	param boundVersion
}

// NewInsertStatement prepares text on conn with param as its parameters.
func NewInsertStatement(ctx context.Context, conn *Connection, text string, param *Binding) (*InsertStatement, error) {
	s := &InsertStatement{param: boundVersion{binding: param}}
	if err := s.init(ctx, conn, text); err != nil {
		return nil, err
	}
	return s, nil
}

// Execute inserts the row and returns false if a row with the same key
// already exists.
func (s *InsertStatement) Execute(ctx context.Context) (bool, error) {
	if err := s.prepareExecute(&s.param); err != nil {
		return false, err
	}
	if err := s.stmt.Execute(ctx); err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, translateError(s.conn, err)
	}
	return true, nil
}

// ID returns the auto-generated key of the last inserted row.
func (s *InsertStatement) ID() int64 {
	if s.stmt == nil {
		return 0
	}
	return s.stmt.InsertID()
}

func (s *InsertStatement) Close() {
	s.release()
}

// UpdateStatement stores an object image by id. The parameters are the
// image columns followed by the id columns.
type UpdateStatement struct {
	statement
	id    boundVersion
	image boundVersion
}

// NewUpdateStatement prepares text on conn. The image binding supplies the
// leading parameters and the id binding the trailing ones.
func NewUpdateStatement(ctx context.Context, conn *Connection, text string, id, image *Binding) (*UpdateStatement, error) {
	if id == nil || image == nil {
		return nil, errors.New("database: update statement needs both an id and an image binding")
	}
	s := &UpdateStatement{
		id:    boundVersion{binding: id},
		image: boundVersion{binding: image},
	}
	if err := s.init(ctx, conn, text); err != nil {
		return nil, err
	}
	return s, nil
}

// Execute runs the update and returns the number of affected rows. Zero
// means no row had the id.
func (s *UpdateStatement) Execute(ctx context.Context) (int64, error) {
	if s.stmt == nil {
		return 0, ErrStatementClosed
	}
	if err := s.conn.Clear(); err != nil {
		return 0, err
	}
	if err := s.stmt.Reset(); err != nil {
		return 0, translateError(s.conn, err)
	}
	if s.id.changed() || s.image.changed() {
		binds := make([]native.Bind, 0, s.image.binding.Count()+s.id.binding.Count())
		binds = append(binds, s.image.binding.Bind...)
		binds = append(binds, s.id.binding.Bind...)
		if err := s.stmt.BindParam(binds); err != nil {
			return 0, translateError(s.conn, err)
		}
		s.id.sync()
		s.image.sync()
	}
	if err := s.stmt.Execute(ctx); err != nil {
		return 0, translateError(s.conn, err)
	}
	return s.stmt.AffectedRows(), nil
}

func (s *UpdateStatement) Close() {
	s.release()
}

// DeleteStatement erases rows matching its parameters.
type DeleteStatement struct {
	statement
	param boundVersion
}

// NewDeleteStatement prepares text on conn with param as its parameters.
func NewDeleteStatement(ctx context.Context, conn *Connection, text string, param *Binding) (*DeleteStatement, error) {
	s := &DeleteStatement{param: boundVersion{binding: param}}
	if err := s.init(ctx, conn, text); err != nil {
		return nil, err
	}
	return s, nil
}

// Execute runs the delete and returns the number of affected rows.
func (s *DeleteStatement) Execute(ctx context.Context) (int64, error) {
	if err := s.prepareExecute(&s.param); err != nil {
		return 0, err
	}
	if err := s.stmt.Execute(ctx); err != nil {
		return 0, translateError(s.conn, err)
	}
	return s.stmt.AffectedRows(), nil
}

func (s *DeleteStatement) Close() {
	s.release()
}
