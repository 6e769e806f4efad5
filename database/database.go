package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tomyedwab/sqlbind/native"
)

// Config holds the options for Open.
type Config struct {
	DriverName string            // database/sql driver, used when Connector is nil
	DSN        string            // data source name, used when Connector is nil
	Connector  native.Connector  // Optional, opened from DriverName and DSN when nil
	Factory    ConnectionFactory // Optional, defaults to NewConnectionFactory()
	Logger     *slog.Logger      // Optional, defaults to slog.Default()
}

// Database owns the connection parameters (in the form of a connector) and
// the factory that turns them into connections.
type Database struct {
	connector native.Connector
	factory   ConnectionFactory
	logger    *slog.Logger
}

// Open builds a Database and attaches its factory. The Database owns the
// connector and closes it in Close if it implements io.Closer.
func Open(ctx context.Context, config Config) (*Database, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connector := config.Connector
	if connector == nil {
		if config.DriverName == "" {
			return nil, fmt.Errorf("database: either a connector or a driver name is required")
		}
		c, err := native.Open(config.DriverName, config.DSN)
		if err != nil {
			return nil, err
		}
		connector = c
	}

	factory := config.Factory
	if factory == nil {
		factory = NewConnectionFactory()
	}

	db := &Database{
		connector: connector,
		factory:   factory,
		logger:    logger,
	}
	if err := factory.Database(ctx, db); err != nil {
		if c, ok := connector.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	return db, nil
}

// Connector returns the native connector sessions are opened from.
func (db *Database) Connector() native.Connector {
	return db.connector
}

// Factory returns the connection factory.
func (db *Database) Factory() ConnectionFactory {
	return db.factory
}

// Connection obtains a connection from the factory. Release it when done.
func (db *Database) Connection(ctx context.Context) (*Connection, error) {
	return db.factory.Connect(ctx)
}

// Begin obtains a connection and starts a transaction on it. The
// transaction owns the connection reference.
func (db *Database) Begin(ctx context.Context) (*Transaction, error) {
	c, err := db.Connection(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := Begin(ctx, c)
	c.Release()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Close tears the factory down, waiting for checked-out connections, and
// then closes the connector.
func (db *Database) Close() error {
	err := db.factory.Close()
	if c, ok := db.connector.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
