// Package plts ties the six core components together into one
// per-connection Backend, the call path a language-handler call site
// drives (spec §4, §5).
//
// Grounded on core/session.go's lifecycle shape — one long-lived object
// constructed once per connection, exposing a single call-shaped entry
// point — adapted away from a chat session's history/provider/tracker
// bundle into a backend's artifact/compiler/loader/argmap/bridge/engine
// bundle.
package plts

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"plts/engine/argmap"
	"plts/engine/artifact"
	"plts/engine/calllimits"
	"plts/engine/compiler"
	"plts/engine/dbbridge"
	"plts/engine/loader"
	"plts/engine/plerr"
	"plts/engine/vm"
)

// StatementTimeoutReader resolves a function's own statement_timeout, if
// any — satisfied by engine/catalog.Catalog.
type StatementTimeoutReader interface {
	StatementTimeoutMS(ctx context.Context, oid int64) (int, error)
}

// Backend is the per-connection wiring of the six components (spec §5: one
// backend process, one isolate, cooperative single-threaded). Not safe for
// concurrent Call invocations — same restriction as vm.Engine.
type Backend struct {
	catalog  StatementTimeoutReader
	artifact *artifact.Store
	compiler *compiler.Compiler
	loader   *loader.Loader
	argmap   *argmap.Mapper
	limits   *calllimits.Resolver
	engine   *vm.Engine
	audit    dbbridge.AuditSink
}

// New wires a Backend from already-constructed components (see
// app/bootstrap.go for how a process builds these from config.Config and a
// database connection).
func New(cat StatementTimeoutReader, store *artifact.Store, comp *compiler.Compiler, ld *loader.Loader, am *argmap.Mapper, limits *calllimits.Resolver, engine *vm.Engine, audit dbbridge.AuditSink) *Backend {
	return &Backend{
		catalog:  cat,
		artifact: store,
		compiler: comp,
		loader:   ld,
		argmap:   am,
		limits:   limits,
		engine:   engine,
		audit:    audit,
	}
}

// CallRequest is one language-handler invocation (spec §4.6.3's "per
// invocation wiring"). There is no caller-supplied Mode: db.mode is
// authoritatively derived inside the Execution Engine from the handler's
// own __stopgap_kind metadata (spec §4.6.3 step 1), never from anything the
// call site claims — a handler wrapped with query() is always read-only
// regardless of what an untrusted caller might otherwise assert.
type CallRequest struct {
	OID       int64
	Args      []any
	RequestID string
}

// Tx is the host transaction a Call executes inside — spec §4.5's "executes
// inside the host transaction that invoked it, never starts independent
// transactions". The caller owns the transaction's lifetime; Call never
// begins, commits, or rolls one back.
type Tx interface {
	dbbridge.Tx
}

// Call resolves req.OID to a FunctionProgram, maps its arguments, wires a
// DB Bridge against tx, and invokes the handler (spec §4.6.3 end to end).
// Every *plerr.Error it returns is tagged with the function's identity
// (spec §4.6.5); an error from loading the program carries only the oid.
func (b *Backend) Call(ctx context.Context, tx Tx, req CallRequest) (result any, err error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	identity := loader.FunctionIdentity{OID: req.OID}
	defer func() {
		if perr, ok := plerr.As(err); ok {
			err = perr.WithFunction(identity.OID, identity.Schema, identity.Name)
		}
	}()

	program, err := b.loader.Load(ctx, req.OID)
	if err != nil {
		return nil, err
	}
	identity = program.Identity

	statementTimeoutMS, err := b.catalog.StatementTimeoutMS(ctx, req.OID)
	if err != nil {
		return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "read statement_timeout")
	}
	schemaDotName := fmt.Sprintf("%s.%s", program.Identity.Schema, program.Identity.Name)
	limits := b.limits.Resolve(schemaDotName, statementTimeoutMS)

	mapped, err := b.argmap.Map(req.OID, req.Args)
	if err != nil {
		return nil, err
	}

	// Mode starts fail-closed read-only; the Execution Engine overrides it
	// via Bridge.SetMode once it resolves the handler's __stopgap_kind,
	// before the handler body runs and could reach ctx.db.
	bridge := dbbridge.New(tx, dbbridge.CallContext{
		RequestID: req.RequestID,
		Schema:    program.Identity.Schema,
		Name:      program.Identity.Name,
		Mode:      dbbridge.ModeReadOnly,
		Limits:    limits,
	}, b.audit)

	return b.engine.Invoke(ctx, vm.InvokeRequest{
		Program: program,
		Args:    mapped,
		Bridge:  bridge,
		Limits:  limits,
	})
}

// CompileAndStore compiles sourceTS and stores the resulting artifact,
// exposing the host surface named in spec §6 (`compile_and_store`).
func (b *Backend) CompileAndStore(ctx context.Context, sourceTS string, opts map[string]any) (string, error) {
	return b.artifact.CompileAndStore(ctx, b.compiler, sourceTS, opts)
}

// GetArtifact exposes spec §6's `get_artifact` host surface.
func (b *Backend) GetArtifact(ctx context.Context, hash string) (*artifact.Artifact, error) {
	return b.artifact.Get(ctx, hash)
}
