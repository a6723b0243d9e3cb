package app

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"plts"
	"plts/config"
	"plts/engine/dbbridge"
	"plts/engine/vm"
)

// Application holds all wired dependencies and manages the process
// lifecycle: disposing the engine's isolate, closing the audit log, and
// releasing the database pool on exit.
type Application struct {
	Config  config.Config
	Backend *plts.Backend
	Engine  *vm.Engine // one V8 isolate; Close() on exit
	Audit   *dbbridge.JSONLAuditSink
	Pool    *pgxpool.Pool
}

// Run blocks until ctx is cancelled, then tears down in reverse wiring
// order: isolate first (no call may be in flight once Close returns),
// then the audit log, then the database pool.
func (a *Application) Run(ctx context.Context) error {
	<-ctx.Done()

	a.Engine.Close()

	if err := a.Audit.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "plts: warning: closing audit log: %v\n", err)
	}
	a.Pool.Close()

	return ctx.Err()
}
