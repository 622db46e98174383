// Package postgres persists shot records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/laoshu133/html2image-cdp/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "shots"

// Config controls the Postgres connection pool used for shot rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ShotStore writes one row per finished shot.
type ShotStore struct {
	pool  execCloser
	table string
}

// NewShotStore connects a pool using cfg.
func NewShotStore(ctx context.Context, cfg Config) (*ShotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
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
	return &ShotStore{pool: pool, table: table}, nil
}

// NewShotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewShotStoreWithPool(pool execCloser, table string) (*ShotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ShotStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ShotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreShot inserts rec.
func (s *ShotStore) StoreShot(ctx context.Context, rec storage.ShotRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("shot store is not configured")
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	artifacts := rec.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	checksums := rec.Checksums
	if checksums == nil {
		checksums = []string{}
	}
	crops := rec.Crops
	if crops == nil {
		crops = []storage.Crop{}
	}
	cropsJSON, err := json.Marshal(crops)
	if err != nil {
		return fmt.Errorf("marshal crops: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	action,
	target,
	status,
	error_kind,
	error_message,
	artifacts,
	checksums,
	crops,
	pages,
	elapsed_ms,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)

	args := []any{
		rec.ID,
		rec.Action,
		rec.Target,
		rec.Status,
		rec.ErrorKind,
		rec.Error,
		artifacts,
		checksums,
		cropsJSON,
		rec.Pages,
		rec.Elapsed.Milliseconds(),
		rec.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert shot: %w", err)
	}
	return nil
}
