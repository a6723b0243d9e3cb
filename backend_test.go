package plts

import (
	"context"
	"strings"
	"testing"

	"plts/engine/argmap"
	"plts/engine/artifact"
	"plts/engine/calllimits"
	"plts/engine/compiler"
	"plts/engine/loader"
	"plts/engine/plerr"
	"plts/engine/vm"
)

type fakeStatementTimeouts struct{ byOID map[int64]int }

func (f fakeStatementTimeouts) StatementTimeoutMS(ctx context.Context, oid int64) (int, error) {
	return f.byOID[oid], nil
}

type fakeSourceReader struct {
	bodies map[int64]string
	schema map[int64]string
	name   map[int64]string
}

func (f fakeSourceReader) ReadFunctionSource(ctx context.Context, oid int64) (string, string, string, map[string]any, error) {
	return f.bodies[oid], f.schema[oid], f.name[oid], nil, nil
}

type fakeSignatureCatalog struct{ sigs map[int64]argmap.Signature }

func (f fakeSignatureCatalog) FunctionSignature(oid int64) (argmap.Signature, error) {
	return f.sigs[oid], nil
}

func newTestBackend(t *testing.T, bodies, schemas, names map[int64]string, sigs map[int64]argmap.Signature) *Backend {
	t.Helper()

	ld := loader.New(
		fakeSourceReader{bodies: bodies, schema: schemas, name: names},
		compiler.New(),
		nil,
		loader.Config{},
	)
	am, err := argmap.New(fakeSignatureCatalog{sigs: sigs}, 0)
	if err != nil {
		t.Fatalf("argmap.New: %v", err)
	}
	limits := calllimits.NewResolver(calllimits.Limits{
		MaxRuntimeMS: 2000, MaxHeapMB: 64, MaxSQLBytes: 65536, MaxParams: 100, MaxQueryRows: 10000,
	}, nil)

	return New(
		fakeStatementTimeouts{byOID: map[int64]int{}},
		artifact.New(nil),
		compiler.New(),
		ld,
		am,
		limits,
		vm.New(),
		nil,
	)
}

func TestBackendCallPassthroughHandler(t *testing.T) {
	b := newTestBackend(t,
		map[int64]string{1: `export default (ctx) => ({ echoed: ctx.args });`},
		map[int64]string{1: "public"},
		map[int64]string{1: "echo"},
		map[int64]argmap.Signature{1: {Mode: argmap.ModePassthrough}},
	)

	result, err := b.Call(context.Background(), nil, CallRequest{
		OID:  1,
		Args: []any{map[string]any{"id": 1.0}},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %#v", result)
	}
	echoed, ok := m["echoed"].(map[string]any)
	if !ok || echoed["id"] != 1.0 {
		t.Fatalf("unexpected echoed blob: %#v", m["echoed"])
	}
}

func TestBackendCallTypedHandler(t *testing.T) {
	b := newTestBackend(t,
		map[int64]string{2: `export default (ctx) => ctx.args.named.n + 1;`},
		map[int64]string{2: "public"},
		map[int64]string{2: "increment"},
		map[int64]argmap.Signature{2: {Mode: argmap.ModeTyped, Args: []argmap.ArgDescriptor{{Name: "n", Kind: argmap.KindInteger}}}},
	)

	result, err := b.Call(context.Background(), nil, CallRequest{
		OID:  2,
		Args: []any{float64(41)},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != 42.0 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

// TestBackendCallForcesReadOnlyForQueryWrappedHandler exercises spec
// §4.6.3 step 1: mode is derived from the handler's own __stopgap_kind
// metadata, not from anything a caller could assert — there is no Mode
// field on CallRequest to even try. A query()-wrapped handler is read-only
// even though it attempts exec().
func TestBackendCallForcesReadOnlyForQueryWrappedHandler(t *testing.T) {
	b := newTestBackend(t,
		map[int64]string{3: `
var rt = require("@stopgap/runtime");
exports.default = rt.query(function(ctx) { return ctx.db.exec("DELETE FROM t"); });
`},
		map[int64]string{3: "public"},
		map[int64]string{3: "danger"},
		map[int64]argmap.Signature{3: {Mode: argmap.ModePassthrough}},
	)

	_, err := b.Call(context.Background(), nil, CallRequest{
		OID:  3,
		Args: []any{map[string]any{}},
	})
	if err == nil {
		t.Fatalf("expected a query()-wrapped handler's exec() to be denied")
	}
	if !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("expected a read-only mode denial, got %v", err)
	}
}

// TestBackendCallValidatesArgsSchema exercises the §6/§3 SchemaLikeValidator
// enforcement: a handler carrying __stopgap_args_schema must have ctx.args
// checked against it before running, with a $-rooted path in the failure.
func TestBackendCallValidatesArgsSchema(t *testing.T) {
	b := newTestBackend(t,
		map[int64]string{4: `
var rt = require("@stopgap/runtime");
var schema = rt.v.object({ n: rt.v.int() });
exports.default = rt.mutation(schema, function(ctx) { return ctx.args.n; });
`},
		map[int64]string{4: "public"},
		map[int64]string{4: "needsInt"},
		map[int64]argmap.Signature{4: {Mode: argmap.ModePassthrough}},
	)

	_, err := b.Call(context.Background(), nil, CallRequest{
		OID:  4,
		Args: []any{map[string]any{"n": "not-an-int"}},
	})
	if err == nil {
		t.Fatalf("expected a validation error for a non-integer n")
	}
	perr, ok := plerr.As(err)
	if !ok || perr.Kind != plerr.KindValidationError {
		t.Fatalf("expected plerr.KindValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "$.n") {
		t.Fatalf("expected a path-rooted message citing $.n, got %v", err)
	}
}
