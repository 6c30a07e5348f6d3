// Package postgres persists facility records with INSERT ... ON CONFLICT upserts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/facility"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for facility rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// FacilityStore upserts normalized facility records into one table.
type FacilityStore struct {
	pool  execCloser
	table string
}

// NewFacilityStore connects a pool using cfg.
func NewFacilityStore(ctx context.Context, cfg Config) (*FacilityStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
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
	store, err := NewFacilityStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewFacilityStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFacilityStoreWithPool(pool execCloser, table string) (*FacilityStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "facilities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &FacilityStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *FacilityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that a pooled connection can reach the database.
func (s *FacilityStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the facility table and its conflict index when missing.
func (s *FacilityStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source_url           TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	slug                 TEXT,
	region               TEXT,
	district             TEXT,
	street               TEXT,
	house_number         TEXT,
	postal_code          TEXT,
	city                 TEXT,
	sub_district         TEXT,
	full_address         TEXT,
	phone                TEXT,
	fax                  TEXT,
	email                TEXT,
	website              TEXT,
	operator_name        TEXT,
	operator_type        TEXT,
	umbrella_association TEXT,
	capacity_total       TEXT,
	capacity_available   TEXT,
	care_times           TEXT,
	admission_age_min    TEXT,
	admission_age_max    TEXT,
	pedagogical_concept  TEXT,
	opening_hours        TEXT,
	description          TEXT,
	latitude             DOUBLE PRECISION,
	longitude            DOUBLE PRECISION,
	last_crawled_at      TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Upsert writes each record with its own statement so one bad row cannot
// sink the batch. Only the columns present on a record are set, leaving
// stored values for absent columns untouched. The returned error joins every
// per-record failure; Affected > 0 alongside an error is partial success.
func (s *FacilityStore) Upsert(ctx context.Context, records []map[string]any, conflictKey string) (crawler.UpsertResult, error) {
	res := crawler.UpsertResult{Attempted: len(records)}
	if s == nil || s.pool == nil {
		res.Failed = len(records)
		return res, errors.New("facility store is not configured")
	}
	if !facility.IsColumn(conflictKey) {
		res.Failed = len(records)
		return res, fmt.Errorf("invalid conflict key %q", conflictKey)
	}

	var errs []error
	for i, rec := range records {
		query, args, err := s.upsertStatement(rec, conflictKey)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("upsert %v: %w", rec[conflictKey], err))
			if ctx.Err() != nil {
				res.Failed += len(records) - i - 1
				errs = append(errs, ctx.Err())
				break
			}
			continue
		}
		res.Affected += int(tag.RowsAffected())
	}
	return res, errors.Join(errs...)
}

// upsertStatement builds the statement for one record. Columns follow
// facility.ColumnNames order.
func (s *FacilityStore) upsertStatement(rec map[string]any, conflictKey string) (string, []any, error) {
	if key, _ := rec[conflictKey].(string); key == "" {
		return "", nil, fmt.Errorf("missing %s", conflictKey)
	}
	for col := range rec {
		if !facility.IsColumn(col) {
			return "", nil, fmt.Errorf("unknown column %q", col)
		}
	}

	cols := make([]string, 0, len(rec))
	placeholders := make([]string, 0, len(rec))
	updates := make([]string, 0, len(rec))
	args := make([]any, 0, len(rec))
	for _, col := range facility.ColumnNames {
		val, ok := rec[col]
		if !ok {
			continue
		}
		args = append(args, val)
		cols = append(cols, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		if col != conflictKey {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		s.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), conflictKey, action)
	return query, args, nil
}
