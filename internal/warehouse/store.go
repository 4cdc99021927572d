// Package warehouse persists normalized entity batches into Postgres. The
// merge path is a keyed upsert so a record may be delivered any number of
// times without producing duplicate rows.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/entity"
)

var validViewName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool behind the store.
type Config struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectRetries int
}

type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store merges entity batches into their warehouse tables.
type Store struct {
	pool   dbConn
	logger *zap.Logger
}

// New connects a pool and verifies the warehouse is reachable, retrying the
// ping for transient startup races.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse.dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}

	store := &Store{pool: pool, logger: logger}
	if err := store.pingWithRetry(ctx, cfg.ConnectRetries); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbConn, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports whether the warehouse is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("", "ping", err)
	}
	return nil
}

func (s *Store) pingWithRetry(ctx context.Context, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("warehouse not reachable yet, retrying",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return fmt.Errorf("warehouse connect interrupted: %w", ctx.Err())
			}
		}
		if lastErr = s.pool.Ping(ctx); lastErr == nil {
			return nil
		}
	}
	return &ConnectivityError{Op: "connect", Err: lastErr}
}

// EnsureTables creates every entity's target table when absent. Existing
// tables are left untouched, including ones that have drifted; drift surfaces
// later as a SchemaMismatchError from the merge path.
func (s *Store) EnsureTables(ctx context.Context) error {
	for _, schema := range entity.All() {
		if _, err := s.pool.Exec(ctx, createTableSQL(schema)); err != nil {
			return classify(schema.Name, "create table "+schema.Table, err)
		}
		s.logger.Info("warehouse table ready",
			zap.String("entity", schema.Name),
			zap.String("table", schema.Table),
		)
	}
	return nil
}

// ApplyViews creates or replaces reporting views from their SELECT bodies,
// keyed by view name. Names are applied in sorted order so dependent views
// can rely on alphabetical layering.
func (s *Store) ApplyViews(ctx context.Context, definitions map[string]string) error {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		if !validViewName.MatchString(name) {
			return fmt.Errorf("invalid view name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", name, definitions[name])
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("", "create view "+name, err)
		}
		s.logger.Info("warehouse view ready", zap.String("view", name))
	}
	return nil
}

func createTableSQL(schema entity.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", schema.Table)
	for _, col := range schema.Columns {
		fmt.Fprintf(&b, "\t%s %s", col.Name, col.Kind.SQLType())
		if col.Name == entity.KeyColumn {
			b.WriteString(" PRIMARY KEY")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\t%s TIMESTAMPTZ NOT NULL\n)", entity.LoadTimestampColumn)
	return b.String()
}
