// Package adapters provides pool.Adapter implementations for the
// resource kinds the fabric is expected to manage: SQL connections,
// Redis clients, and HTTP clients.
package adapters

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DBConfig configures a DBAdapter.
type DBConfig struct {
	DSN         string
	Driver      string // defaults to "postgres"
	MaxOpenConn int    // passed straight to the underlying sql.DB, 0 = driver default
}

// DBAdapter manages *sqlx.DB handles. In practice a single *sqlx.DB
// already pools connections internally; DBAdapter exists so the fabric's
// Pool[T] can apply its own wait-queue, leak detection, and circuit
// breaker semantics on top of a set of named logical database handles
// (e.g. one per tenant or per shard) rather than assuming a single
// global handle, matching internal/platform/database.Open's DSN-per-call
// shape generalized to a managed set.
type DBAdapter struct {
	cfg DBConfig
}

// NewDBAdapter constructs a DBAdapter from cfg.
func NewDBAdapter(cfg DBConfig) *DBAdapter {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	return &DBAdapter{cfg: cfg}
}

// Create opens and pings a new *sqlx.DB handle.
func (a *DBAdapter) Create(ctx context.Context) (*sqlx.DB, error) {
	if a.cfg.DSN == "" {
		return nil, fmt.Errorf("adapters: DSN is required")
	}
	db, err := sqlx.Open(a.cfg.Driver, a.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("adapters: open %s: %w", a.cfg.Driver, err)
	}
	if a.cfg.MaxOpenConn > 0 {
		db.SetMaxOpenConns(a.cfg.MaxOpenConn)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("adapters: ping %s: %w", a.cfg.Driver, err)
	}
	return db, nil
}

// Validate pings the handle to confirm it's still usable before handing
// it to a caller.
func (a *DBAdapter) Validate(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}

// Destroy closes the handle.
func (a *DBAdapter) Destroy(ctx context.Context, db *sqlx.DB) error {
	return db.Close()
}

// IdlePing implements pool.IdlePinger.
func (a *DBAdapter) IdlePing(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}
