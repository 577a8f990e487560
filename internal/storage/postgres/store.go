// Package postgres records crawl runs and written pages in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/argus-crawler/internal/id/uuid"
)

const (
	defaultPagesTable = "page_dispositions"
	defaultRunsTable  = "crawl_runs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and target tables.
type Config struct {
	DSN             string
	PagesTable      string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// IDGenerator issues row identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Store writes page and run rows.
type Store struct {
	pool  execCloser
	ids   IDGenerator
	pages string
	runs  string
}

// NewStore connects to Postgres using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pages, runs, err := tableNames(cfg.PagesTable, cfg.RunsTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, ids: uuid.New(), pages: pages, runs: runs}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool execCloser, ids IDGenerator, pagesTable, runsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	pages, runs, err := tableNames(pagesTable, runsTable)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{pool: pool, ids: ids, pages: pages, runs: runs}, nil
}

func tableNames(pages, runs string) (string, string, error) {
	if pages == "" {
		pages = defaultPagesTable
	}
	if runs == "" {
		runs = defaultRunsTable
	}
	for _, name := range []string{pages, runs} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return pages, runs, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
