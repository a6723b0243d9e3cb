// Package vm implements the Execution Engine (spec §4.6): one V8 isolate
// per backend process, bootstrapped lazily, reused across calls on that
// backend's connection, evaluating each call's module graph fresh against
// a CommonJS-style require() the engine installs itself.
//
// Grounded on engine/runtime/runtime.go's lazy-isolate/compile/
// executeWithTimeout/disposeIsolate shape (generalized here from one
// isolate per *tool* to one isolate per *backend*, since spec §5 is
// explicit that a backend holds exactly one isolate shared across calls on
// its connection) and engine/runtime/api.go's FunctionTemplate/
// ObjectTemplate injection pattern for the db bridge bindings.
package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	v8 "rogchap.com/v8go"

	"plts/engine/argmap"
	"plts/engine/calllimits"
	"plts/engine/dbbridge"
	"plts/engine/loader"
	"plts/engine/plerr"
	"plts/engine/wrapper"
)

// isolateGracePeriod mirrors engine/runtime's grace period for a terminated
// isolate's goroutine to observe the termination and exit before the
// engine gives up waiting and marks the isolate leaked.
const isolateGracePeriod = 5 * time.Second

// State is the Execution Engine's state machine (spec §4.6.6).
type State int

const (
	StateUnbootstrapped State = iota
	StateReady
	StateExecuting
	StatePoisoned
)

// Engine is a single backend's Execution Engine: one isolate, bootstrapped
// lazily, reused across calls until poisoned. Not safe for concurrent
// Invoke calls — spec §5's "cooperative single-threaded" model means the
// host never calls Invoke twice concurrently on the same Engine; Engine
// still takes a mutex to make that assumption explicit and fail safe
// rather than racing silently if it is ever violated.
type Engine struct {
	mu    sync.Mutex
	state State
	iso   *v8.Isolate
	ctx   *v8.Context

	// moduleCache memoizes resolved modules by specifier within the
	// current isolate's lifetime (spec §4.6.2: "resolved modules are
	// memoized per process"; here per-isolate, which is per-backend).
	moduleCache map[string]*v8.Value

	// entrySource is the compiled_js the require("entry") resolver should
	// serve for the call currently in flight. Only meaningful while
	// state == StateExecuting.
	entrySource string

	// activeBridge is the Bridge the currently in-flight call's
	// __plts_db_query/__plts_db_exec bindings dispatch through. Only
	// meaningful while state == StateExecuting.
	activeBridge *dbbridge.Bridge

	// activeCtx is the context.Context the currently in-flight call's
	// bridge dispatches run under, carrying the same cancellation the
	// watchdog in runWithWatchdog races against. Only meaningful while
	// state == StateExecuting.
	activeCtx context.Context
}

func New() *Engine {
	return &Engine{state: StateUnbootstrapped}
}

// InvokeRequest bundles what Invoke needs for one call (spec §4.6.3). There
// is deliberately no caller-supplied Mode here: db.mode is derived solely
// from the handler's own __stopgap_kind metadata inside
// buildInvocationScript, never trusted from the call site (spec §4.6.3
// step 1).
type InvokeRequest struct {
	Program *loader.FunctionProgram
	Args    argmap.Mapped
	Bridge  *dbbridge.Bridge
	Limits  calllimits.Limits
}

// Invoke runs one call end to end: bootstrap if needed, evaluate the
// handler's module graph, call its default export, normalize the result
// (spec §4.6.3).
func (e *Engine) Invoke(ctx context.Context, req InvokeRequest) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StatePoisoned {
		e.discardLocked()
	}
	if e.state == StateUnbootstrapped {
		if err := e.bootstrapLocked(); err != nil {
			return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageExecute, err, "bootstrap execution engine")
		}
	}

	e.state = StateExecuting
	e.entrySource = req.Program.CompiledJS
	e.activeBridge = req.Bridge
	e.activeCtx = ctx
	defer func() {
		e.entrySource = ""
		e.activeBridge = nil
		e.activeCtx = nil
	}()

	result, err := e.runWithWatchdog(ctx, req)
	if err != nil {
		e.state = StatePoisoned
		return nil, err
	}
	e.state = StateReady
	return result, nil
}

// bootstrapLocked performs spec §4.6.1's static bootstrap. Caller holds
// e.mu.
func (e *Engine) bootstrapLocked() error {
	iso := v8.NewIsolate()
	global := v8.NewObjectTemplate(iso)

	e.moduleCache = make(map[string]*v8.Value)

	if err := installRequire(iso, global, e); err != nil {
		iso.Dispose()
		return fmt.Errorf("install module loader: %w", err)
	}
	if err := installDBBridge(iso, global, e); err != nil {
		iso.Dispose()
		return fmt.Errorf("install db bridge: %w", err)
	}

	v8ctx := v8.NewContext(iso, global)

	// Remove ambient IO globals (spec §4.6.1). None of these are ever
	// installed on this global template in the first place — the engine
	// never adds Deno/fetch/Request/Response/Headers/WebSocket bindings —
	// so there is nothing to delete; this is asserted by their absence
	// rather than by an explicit delete script, unlike a host that starts
	// from a general-purpose global template that has them.

	e.iso = iso
	e.ctx = v8ctx
	e.state = StateReady
	return nil
}

// discardLocked implements spec §4.6.6's Poisoned→Unbootstrapped
// transition: drop the isolate entirely: the next Invoke re-bootstraps.
func (e *Engine) discardLocked() {
	if e.ctx != nil {
		e.ctx.Close()
		e.ctx = nil
	}
	if e.iso != nil {
		e.iso.Dispose()
		e.iso = nil
	}
	e.moduleCache = nil
	e.state = StateUnbootstrapped
}

// Close disposes the engine's isolate, if one is currently bootstrapped.
// Safe to call on an unbootstrapped or already-closed Engine. Mirrors
// engine/runtime's disposeIsolate-on-shutdown shape; callers should invoke
// this once, after no Invoke call is in flight.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discardLocked()
}

// runWithWatchdog builds the invocation script and runs it on a separate
// goroutine, racing it against max_runtime_ms and ctx.Done(), same
// termination/grace-period/leak shape as engine/runtime's
// executeWithTimeout (spec §4.6.4).
func (e *Engine) runWithWatchdog(ctx context.Context, req InvokeRequest) (any, error) {
	script, err := e.buildInvocationScript(req)
	if err != nil {
		return nil, err
	}

	// A late result arriving after the watchdog has already fired is
	// simply drained and discarded by awaitTerminationOrLeak below — it
	// is never read from resultCh by the success path once a timeout or
	// cancellation branch has been taken, so it can never resurrect an
	// already-Cancelled call's observable result (spec §9).
	resultCh := make(chan execOutcome, 1)
	go func() {
		val, err := e.ctx.RunScript(script, "plts-invocation")
		resultCh <- execOutcome{val: val, err: err}
	}()

	timeout := req.Limits.MaxRuntime()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, wrapExecError(r.err, req.Program.Identity.Schema, req.Program.Identity.Name)
		}
		return e.normalizeResult(r.val)

	case <-time.After(timeout):
		e.iso.TerminateExecution()
		return nil, e.awaitTerminationOrLeak(resultCh, plerr.New(plerr.KindCancelled, plerr.StageExecute,
			"call exceeded max_runtime_ms=%d", req.Limits.MaxRuntimeMS).WithFunction(req.Program.Identity.OID, req.Program.Identity.Schema, req.Program.Identity.Name))

	case <-ctx.Done():
		e.iso.TerminateExecution()
		return nil, e.awaitTerminationOrLeak(resultCh, plerr.New(plerr.KindCancelled, plerr.StageExecute,
			"call cancelled: %v", ctx.Err()).WithFunction(req.Program.Identity.OID, req.Program.Identity.Schema, req.Program.Identity.Name))
	}
}

// execOutcome is RunScript's result, handed over the goroutine boundary.
type execOutcome struct {
	val *v8.Value
	err error
}

// awaitTerminationOrLeak waits isolateGracePeriod for the RunScript
// goroutine to observe TerminateExecution and exit. If it does not, the
// isolate is left to the next Invoke's Poisoned→Unbootstrapped transition
// to discard (spec §4.6.6) rather than disposed here out from under a
// goroutine that might still be touching it.
func (e *Engine) awaitTerminationOrLeak(resultCh chan execOutcome, reportErr error) error {
	select {
	case <-resultCh:
	case <-time.After(isolateGracePeriod):
		log.Printf("WARNING: leaking v8 isolate: termination did not complete within grace period")
	}
	return reportErr
}

// buildInvocationScript assembles the per-call wrapper script: pull in the
// entry module via require("entry"), derive db.mode from the resolved
// handler's own __stopgap_kind metadata (spec §4.6.3 step 1 — a handler
// wrapped with query() is always read-only, regardless of anything the
// call site claims), validate ctx.args against __stopgap_args_schema if the
// handler carries one, build ctx, call the default export, and serialize
// the result — same JSON-roundtrip string-building technique as
// engine/runtime's executeWithTimeout, generalized to build an object
// literal instead of a bare JSON.parse call since ctx must carry live
// function bindings (db.query/db.exec), not just data.
func (e *Engine) buildInvocationScript(req InvokeRequest) (string, error) {
	argsJSON, err := marshalCtxArgs(req.Args)
	if err != nil {
		return "", plerr.Wrap(plerr.KindArgConversionError, plerr.StageExecute, err, "marshal ctx.args")
	}

	script := fmt.Sprintf(`(function() {
  var entry = require("entry");
  var fn = (entry && entry.default) || entry;
  if (typeof fn !== "function") {
    throw new Error("EntrypointError: module has no callable default export");
  }

  var mode = fn.__stopgap_kind === "query" ? "ro" : "rw";
  __plts_set_mode(mode);

  var args = JSON.parse(%s);
  var schema = fn.__stopgap_args_schema;
  if (schema) {
    var failure = require("@stopgap/runtime").schemaFailure(schema, args);
    if (failure) {
      throw new Error("ValidationError: " + failure.path + ": " + failure.message);
    }
  }

  var ctx = {
    db: {
      mode: mode,
      query: function(input, params) { return __plts_db_query(input, params || []); },
      exec: function(input, params) { return __plts_db_exec(input, params || []); }
    },
    args: args,
    fn: { oid: %d, schema: %s, name: %s },
    now: new Date().toISOString()
  };
  var result = fn(ctx);
  return JSON.stringify(result === undefined ? null : result);
})()`, escapeJSString(argsJSON), req.Program.Identity.OID,
		escapeJSString(req.Program.Identity.Schema), escapeJSString(req.Program.Identity.Name))

	return script, nil
}

func marshalCtxArgs(mapped argmap.Mapped) (string, error) {
	var payload any
	if mapped.Passthrough {
		payload = mapped.Args
	} else {
		payload = map[string]any{"positional": mapped.Positional, "named": mapped.Named}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeResult implements spec §4.6.3 step 5: the invocation script
// already reduced undefined/null to JSON "null" and serialized everything
// else to JSON, so normalization here is just a JSON decode. A top-level
// function or symbol return makes JSON.stringify yield `undefined` (the
// undefined-to-null fold runs before stringifying, not after), so the
// script's value is not JSON and the decode below fails with a
// ResultSerializationError. A function or symbol nested inside a returned
// object or array is dropped by JSON.stringify and raises no error.
func (e *Engine) normalizeResult(val *v8.Value) (any, error) {
	if val == nil {
		return nil, nil
	}
	raw := val.String()
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, plerr.Wrap(plerr.KindResultSerializationError, plerr.StageNormalize, err, "decode handler result")
	}
	return decoded, nil
}

func wrapExecError(err error, schema, name string) error {
	if jsErr, ok := err.(*v8.JSError); ok {
		return &plerr.Error{
			Kind:     classifyThrownKind(jsErr.Message),
			Stage:    plerr.StageExecute,
			Message:  jsErr.Message,
			Stack:    jsErr.StackTrace,
			FnSchema: schema,
			FnName:   name,
		}
	}
	return plerr.Wrap(plerr.KindEntrypointError, plerr.StageExecute, err, "handler execution failed").WithFunction(0, schema, name)
}

// classifyThrownKind recognizes buildInvocationScript's own "<Kind>: ..."
// throw convention so a schema validation failure surfaces as
// plerr.KindValidationError rather than the generic EntrypointError every
// other thrown value gets. Every other thrown value (including the
// EntrypointError case above) keeps the pre-existing default.
func classifyThrownKind(msg string) plerr.Kind {
	if strings.Contains(msg, "ValidationError:") {
		return plerr.KindValidationError
	}
	return plerr.KindEntrypointError
}

func escapeJSString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
