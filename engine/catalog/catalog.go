// Package catalog implements the host-side function catalog access the
// Function Program Loader and Argument Mapper depend on: resolving a
// function oid's stored body/compiler_opts (engine/loader.SourceReader) and
// its declared argument signature (engine/argmap.SignatureCatalog).
//
// A real PLTS deployment is a Postgres procedural-language handler, so this
// catalog is backed by two plain tables rather than system catalog access —
// grounded on oriys-nova/internal/dbaccess/gateway.go's plain
// QueryRow/Query-over-a-pool style, generalized from its domain rows to a
// function-definition/argument-signature shape.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"plts/engine/argmap"
)

// Queryer is the minimal surface Catalog needs: satisfied directly by
// *pgxpool.Pool and pgx.Tx.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Catalog resolves function definitions and argument signatures from the
// plts_functions / plts_function_args tables.
type Catalog struct {
	db Queryer
}

func New(db Queryer) *Catalog {
	return &Catalog{db: db}
}

// ReadFunctionSource implements engine/loader.SourceReader.
func (c *Catalog) ReadFunctionSource(ctx context.Context, oid int64) (body string, schema, name string, opts map[string]any, err error) {
	var optsJSON []byte
	row := c.db.QueryRow(ctx, `select body, schema_name, func_name, compiler_opts from plts_functions where oid = $1`, oid)
	if err := row.Scan(&body, &schema, &name, &optsJSON); err != nil {
		return "", "", "", nil, fmt.Errorf("read function %d: %w", oid, err)
	}
	if len(optsJSON) > 0 {
		if err := json.Unmarshal(optsJSON, &opts); err != nil {
			return "", "", "", nil, fmt.Errorf("decode compiler_opts for function %d: %w", oid, err)
		}
	}
	return body, schema, name, opts, nil
}

// StatementTimeoutMS returns the function's own statement_timeout, if any
// (spec §3: intersected with the resolved max_runtime_ms by
// engine/calllimits.Resolver).
func (c *Catalog) StatementTimeoutMS(ctx context.Context, oid int64) (int, error) {
	var ms *int
	row := c.db.QueryRow(ctx, `select statement_timeout_ms from plts_functions where oid = $1`, oid)
	if err := row.Scan(&ms); err != nil {
		return 0, fmt.Errorf("read statement_timeout for function %d: %w", oid, err)
	}
	if ms == nil {
		return 0, nil
	}
	return *ms, nil
}

// FunctionSignature implements engine/argmap.SignatureCatalog: a function
// with zero declared argument rows, or exactly one row of kind "structured"
// with no name, maps in passthrough mode; any other row set maps typed, in
// position order (spec §4.4).
func (c *Catalog) FunctionSignature(oid int64) (argmap.Signature, error) {
	ctx := context.Background()
	rows, err := c.db.Query(ctx, `select name, kind from plts_function_args where oid = $1 order by position`, oid)
	if err != nil {
		return argmap.Signature{}, fmt.Errorf("read signature for function %d: %w", oid, err)
	}
	defer rows.Close()

	var args []argmap.ArgDescriptor
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return argmap.Signature{}, fmt.Errorf("scan signature row for function %d: %w", oid, err)
		}
		args = append(args, argmap.ArgDescriptor{Name: name, Kind: argmap.Kind(kind)})
	}
	if err := rows.Err(); err != nil {
		return argmap.Signature{}, fmt.Errorf("iterate signature for function %d: %w", oid, err)
	}

	return signatureFromArgs(args), nil
}

// signatureFromArgs is the pure dispatch rule factored out of
// FunctionSignature so it can be unit tested without a live connection.
func signatureFromArgs(args []argmap.ArgDescriptor) argmap.Signature {
	if len(args) == 0 || (len(args) == 1 && args[0].Name == "" && args[0].Kind == argmap.KindStructured) {
		return argmap.Signature{Mode: argmap.ModePassthrough}
	}
	return argmap.Signature{Mode: argmap.ModeTyped, Args: args}
}
