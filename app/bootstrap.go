// Package app wires a PLTS backend process from configuration: open the
// database pool, construct the six components, and hand back an
// Application whose Run manages the process lifetime.
//
// Grounded on app/bootstrap.go's phased-wiring-with-cleanup-closure shape
// (each phase separable for testability, a single cleanup closure disposes
// what was already built if a later phase fails) and on
// oriys-nova/internal/store/postgres.go's pgxpool.New/Ping/defer-Close-on-
// error connection setup.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"plts"
	"plts/config"
	"plts/engine/argmap"
	"plts/engine/artifact"
	"plts/engine/calllimits"
	"plts/engine/catalog"
	"plts/engine/compiler"
	"plts/engine/dbbridge"
	"plts/engine/loader"
	"plts/engine/maintenance"
	"plts/engine/vm"
)

// auditRotateThreshold is the size at which the audit log is rotated to
// a .old backup before a fresh file is opened at the same path.
const auditRotateThreshold = 64 << 20 // 64MiB

// auditBackupMaxAge is how long a rotated .old backup is kept before the
// next startup's sweep deletes it.
const auditBackupMaxAge = 30 * 24 * time.Hour

// Bootstrap creates and wires all backend dependencies. Each phase is
// separate for testability.
func Bootstrap(ctx context.Context) (*Application, error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "plts: warning: %s\n", w)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("preparing plts dirs: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	// From here, failures must release the pool.
	cleanup := func() { pool.Close() }

	if _, err := maintenance.RotateAuditLog(cfg.AuditFile, auditRotateThreshold); err != nil {
		fmt.Fprintf(os.Stderr, "plts: warning: audit log rotation failed: %v\n", err)
	}
	if result, err := maintenance.SweepStaleAuditBackups(filepath.Dir(cfg.AuditFile), auditBackupMaxAge); err != nil {
		fmt.Fprintf(os.Stderr, "plts: warning: audit backup sweep failed: %v\n", err)
	} else if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "plts: warning: audit sweep: %s\n", e)
		}
	} else if result.DeletedBackups > 0 {
		fmt.Fprintf(os.Stderr, "plts: cleaned up %d stale audit backup(s)\n", result.DeletedBackups)
	}

	audit, err := dbbridge.NewJSONLAuditSink(cfg.AuditFile)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	// Audit file is open; failures from here must also close it.
	cleanup = func() {
		audit.Close()
		pool.Close()
	}

	backend, engine, err := buildBackend(cfg, pool, audit)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("wiring backend: %w", err)
	}

	return &Application{
		Config:  cfg,
		Backend: backend,
		Engine:  engine,
		Audit:   audit,
		Pool:    pool,
	}, nil
}

// buildBackend constructs the catalog, the six components, and the
// Backend that ties them together. It takes a concrete *pgxpool.Pool, so
// it runs against a real database connection.
func buildBackend(cfg config.Config, pool *pgxpool.Pool, audit dbbridge.AuditSink) (*plts.Backend, *vm.Engine, error) {
	cat := catalog.New(pool)

	store := artifact.New(pool)
	comp := compiler.New()

	ld := loader.New(cat, comp, store, loader.Config{
		MaxEntries: 256,
		MaxBytes:   4 << 20,
	})

	am, err := argmap.New(cat, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("building argument mapper: %w", err)
	}

	limits := calllimits.NewResolver(cfg.DefaultLimits(), cfg.Overrides)
	engine := vm.New()

	backend := plts.New(cat, store, comp, ld, am, limits, engine, audit)
	return backend, engine, nil
}
