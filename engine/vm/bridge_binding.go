package vm

import (
	"encoding/json"
	"fmt"

	v8 "rogchap.com/v8go"

	"plts/engine/dbbridge"
)

// installDBBridge installs the internal call-outs buildInvocationScript
// wires ctx.db.query/ctx.db.exec to (__plts_db_query, __plts_db_exec), plus
// __plts_set_mode, which the invocation script calls once it has resolved
// the handler's own __stopgap_kind metadata, so the Bridge enforces the
// mode the metadata demands rather than anything supplied externally.
// Grounded on engine/runtime/api.go's FunctionTemplate injection pattern and
// api_helpers.go/api_storage.go's JSON-roundtrip Go<->JS value conversion
// (toJSObject/toJSValue, jsValueToGoValue).
//
// All three bindings read e.activeBridge/e.activeCtx at call time, not at
// bootstrap time: the Bridge and context backing a call change every
// Invoke, while the isolate and its global template are installed once and
// reused (spec §4.6.1's "must not capture any invocation-specific state").
func installDBBridge(iso *v8.Isolate, global *v8.ObjectTemplate, e *Engine) error {
	setModeFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		args := info.Args()
		if len(args) < 1 || !args[0].IsString() {
			return throwRequireError(iso, "set mode expects a string argument")
		}
		if e.activeBridge != nil {
			e.activeBridge.SetMode(dbbridge.Mode(args[0].String()))
		}
		return v8.Undefined(v8iso)
	})
	if err := global.Set("__plts_set_mode", setModeFn, v8.ReadOnly); err != nil {
		return err
	}

	queryFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		in, err := bridgeInputFromArgs(info)
		if err != nil {
			return throwRequireError(iso, err.Error())
		}
		result, err := e.activeBridge.Query(e.activeCtx, in)
		if err != nil {
			return throwRequireError(iso, err.Error())
		}
		val, err := toJSValue(iso, info.Context(), queryResultToJS(result))
		if err != nil {
			return throwRequireError(iso, fmt.Sprintf("convert query result: %v", err))
		}
		return val
	})
	if err := global.Set("__plts_db_query", queryFn, v8.ReadOnly); err != nil {
		return err
	}

	execFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		in, err := bridgeInputFromArgs(info)
		if err != nil {
			return throwRequireError(iso, err.Error())
		}
		result, err := e.activeBridge.Exec(e.activeCtx, in)
		if err != nil {
			return throwRequireError(iso, err.Error())
		}
		val, err := toJSValue(iso, info.Context(), map[string]any{"rowCount": result.RowsAffected})
		if err != nil {
			return throwRequireError(iso, fmt.Sprintf("convert exec result: %v", err))
		}
		return val
	})
	return global.Set("__plts_db_exec", execFn, v8.ReadOnly)
}

// bridgeInputFromArgs extracts (input, params) from the two JS arguments
// ctx.db.query/ctx.db.exec pass through (spec §4.5's three input shapes).
// Shape 3 — an object exposing toSQL(): {sql, params?} — is detected here,
// before the JSON-roundtrip conversion jsValueToGoValue would otherwise
// apply: JSON.stringify drops methods, so toSQL must be invoked (via
// Object.MethodCall, a direct method call on the argument already in hand —
// it does not re-enter Invoke's RunScript, just the object already passed
// to this callback) while the live v8.Value is still available.
func bridgeInputFromArgs(info *v8.FunctionCallbackInfo) (dbbridge.Input, error) {
	args := info.Args()
	if len(args) < 1 {
		return dbbridge.Input{}, fmt.Errorf("db call expects at least one argument")
	}

	if toSQLer, ok := asToSQLer(info.Context(), args[0]); ok {
		return dbbridge.NormalizeInput(toSQLer, nil)
	}

	rawInput, err := jsValueToGoValue(info.Context(), args[0])
	if err != nil {
		return dbbridge.Input{}, fmt.Errorf("convert db call input: %w", err)
	}

	var rawParams []any
	if len(args) > 1 {
		p, err := jsValueToGoValue(info.Context(), args[1])
		if err != nil {
			return dbbridge.Input{}, fmt.Errorf("convert db call params: %w", err)
		}
		if pSlice, ok := p.([]any); ok {
			rawParams = pSlice
		}
	}

	return dbbridge.NormalizeInput(rawInput, rawParams)
}

// asToSQLer recognizes a JS object exposing a callable toSQL property and
// wraps it as a dbbridge.ToSQLer. Anything else (a string, a plain
// {sql, params?} object, a non-function toSQL) reports ok=false so the
// caller falls through to the JSON-roundtrip path.
func asToSQLer(ctx *v8.Context, val *v8.Value) (dbbridge.ToSQLer, bool) {
	if !val.IsObject() {
		return nil, false
	}
	obj := val.Object()
	method, err := obj.Get("toSQL")
	if err != nil || !method.IsFunction() {
		return nil, false
	}
	return &jsToSQLer{ctx: ctx, obj: obj}, true
}

// jsToSQLer adapts a JS value exposing toSQL(): {sql, params?} to
// dbbridge.ToSQLer. ToSQL is called exactly once per bridge call (spec
// §4.5's "called once"), matching NormalizeInput's single dispatch.
type jsToSQLer struct {
	ctx *v8.Context
	obj *v8.Object
}

func (t *jsToSQLer) ToSQL() (string, []any, error) {
	result, err := t.obj.MethodCall("toSQL")
	if err != nil {
		return "", nil, fmt.Errorf("call toSQL(): %w", err)
	}
	converted, err := jsValueToGoValue(t.ctx, result)
	if err != nil {
		return "", nil, fmt.Errorf("convert toSQL() result: %w", err)
	}
	m, ok := converted.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("toSQL() must return an object with a sql field")
	}
	sql, _ := m["sql"].(string)
	if sql == "" {
		return "", nil, fmt.Errorf("toSQL() result is missing a non-empty sql field")
	}
	var params []any
	if p, ok := m["params"].([]any); ok {
		params = p
	}
	return sql, params, nil
}

func queryResultToJS(result dbbridge.QueryResult) any {
	rows := make([]map[string]any, len(result.Rows))
	for i, vals := range result.Rows {
		row := make(map[string]any, len(result.Columns))
		for j, col := range result.Columns {
			if j < len(vals) {
				row[col] = vals[j]
			}
		}
		rows[i] = row
	}
	return rows
}

// jsValueToGoValue converts a V8 value to a Go value via JSON roundtrip,
// same technique as engine/runtime/api_storage.go's helper of the same
// name.
func jsValueToGoValue(ctx *v8.Context, val *v8.Value) (any, error) {
	if val.IsUndefined() || val.IsNull() {
		return nil, nil
	}
	if val.IsString() {
		return val.String(), nil
	}
	if val.IsBoolean() {
		return val.Boolean(), nil
	}
	if val.IsNumber() {
		return val.Number(), nil
	}

	jsonStr, err := v8.JSONStringify(ctx, val)
	if err != nil {
		return nil, fmt.Errorf("stringify value: %w", err)
	}
	var result any
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("parse JSON value: %w", err)
	}
	return result, nil
}

// toJSValue converts a Go value to a V8 Value via JSON roundtrip, same
// technique as engine/runtime/api_helpers.go's helper of the same name,
// generalized to always go through JSON.parse rather than special-casing
// scalars since every result here is a data blob, never a live host value.
func toJSValue(iso *v8.Isolate, ctx *v8.Context, val any) (*v8.Value, error) {
	jsonBytes, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	script := fmt.Sprintf("JSON.parse(%s)", escapeJSString(string(jsonBytes)))
	return ctx.RunScript(script, "db_bridge_result")
}
