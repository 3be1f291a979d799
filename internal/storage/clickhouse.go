// Package storage archives alerts in ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"siem-correlator/internal/config"
)

var (
	ErrUnavailable  = errors.New("storage: clickhouse unavailable")
	ErrInsertFailed = errors.New("storage: insert failed")
	ErrWriterClosed = errors.New("storage: batch writer is closed")
)

// OpError records which operation failed, on which table, after how many
// attempts.
type OpError struct {
	Op       string
	Table    string
	Attempts int
	Err      error
}

func (e *OpError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s (%d attempts): %v", e.Op, e.Table, e.Attempts, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	return &OpError{Op: op, Err: errors.Join(ErrUnavailable, err)}
}

// Config selects the ClickHouse cluster and connection pool.
type Config struct {
	Hosts    []string
	Database string
	Username string
	Password string
	TLS      bool

	DialTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig points at a local single-node server.
func DefaultConfig() Config {
	return Config{
		Hosts:           []string{"localhost:9000"},
		Database:        "siem",
		Username:        "default",
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// ConfigFrom overlays the service settings on DefaultConfig.
func ConfigFrom(s config.ClickHouseConfig) Config {
	c := DefaultConfig()
	if len(s.Hosts) > 0 {
		c.Hosts = s.Hosts
	}
	if s.Database != "" {
		c.Database = s.Database
	}
	if s.Username != "" {
		c.Username = s.Username
	}
	c.Password = s.Password
	c.TLS = s.TLSEnabled
	if s.DialTimeout > 0 {
		c.DialTimeout = s.DialTimeout
	}
	if s.MaxOpenConns > 0 {
		c.MaxOpenConns = s.MaxOpenConns
	}
	if s.MaxIdleConns > 0 {
		c.MaxIdleConns = s.MaxIdleConns
	}
	if s.ConnMaxLifetime > 0 {
		c.ConnMaxLifetime = s.ConnMaxLifetime
	}
	return c
}

func (c Config) options() *clickhouse.Options {
	o := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Settings:        clickhouse.Settings{"max_execution_time": 60},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     c.DialTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
	if c.TLS {
		o.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return o
}

// Client is a pooled ClickHouse connection.
type Client struct {
	conn     driver.Conn
	database string
}

// Open connects and pings within five seconds.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, unavailable("open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, unavailable("ping", err)
	}
	return &Client{conn: conn, database: cfg.Database}, nil
}

func (c *Client) Close() error                   { return c.conn.Close() }
func (c *Client) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }
func (c *Client) Database() string               { return c.database }

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *Client) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query, opts...)
}
