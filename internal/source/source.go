// Package source connects the engine to the databases metrics are loaded
// from. A source profile names a database and how to reach it; the loader
// runs rendered query templates against the profile's client and consumes
// generic rows.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

// ErrBadProfile marks a profile that cannot produce a working client.
var ErrBadProfile = errors.New("bad source profile")

// Supported profile types. ClickHouse profiles parse for forward
// compatibility but cannot be opened yet.
const (
	TypePostgres   = "postgres"
	TypeSQLite     = "sqlite"
	TypeClickHouse = "clickhouse"
)

// Profile describes one queryable database.
type Profile struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Type         string        `mapstructure:"type" yaml:"type"`
	DSN          string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime" yaml:"conn_lifetime"`
}

// Validate checks the profile is complete and of a known type.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: profile name is required", ErrBadProfile)
	}
	if p.DSN == "" {
		return fmt.Errorf("%w: profile %q: dsn is required", ErrBadProfile, p.Name)
	}
	switch p.Type {
	case TypePostgres, TypeSQLite, TypeClickHouse:
		return nil
	default:
		return fmt.Errorf("%w: profile %q: unknown source type %q", ErrBadProfile, p.Name, p.Type)
	}
}

// Client runs metric queries against one source database.
type Client interface {
	// Query executes a rendered SQL statement and returns the result rows
	// as column-name keyed maps, in result order.
	Query(ctx context.Context, sql string) ([]map[string]any, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}

// sqlClient is the sqlx-backed implementation of Client.
type sqlClient struct {
	db *sqlx.DB
}

// Open builds a client for the profile. The pool is configured but no
// connection is established until the first query or ping.
func Open(p Profile) (Client, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var driver string
	switch p.Type {
	case TypePostgres:
		driver = "postgres"
	case TypeSQLite:
		driver = "sqlite"
	case TypeClickHouse:
		return nil, fmt.Errorf("%w: profile %q: clickhouse sources are not supported yet", ErrBadProfile, p.Name)
	}

	db, err := sqlx.Open(driver, p.DSN)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", p.Name, err)
	}

	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.ConnLifetime > 0 {
		db.SetConnMaxLifetime(p.ConnLifetime)
	}

	return &sqlClient{db: db}, nil
}

func (c *sqlClient) Query(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := c.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("source query: %w", err)
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (c *sqlClient) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqlClient) Close() error { return c.db.Close() }
