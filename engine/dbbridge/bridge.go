// Package dbbridge implements the DB Bridge (spec §4.5): the ctx.db surface
// a handler calls into, executing inside the host transaction that invoked
// it, never opening an independent transaction of its own.
//
// Grounded on oriys-nova's internal/db/db.go (abstract Executor/Tx/Row/Rows
// shape, generalized here to pgx's concrete Tx/Rows/Row types the way
// engine/artifact already does) and internal/dbaccess/gateway.go (per-call
// quota accounting and RecordAccess/hashStatement audit-log pattern,
// adapted from per-binding session/tx quotas to per-call query/exec
// bookkeeping plus read-only mode enforcement).
package dbbridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"plts/engine/calllimits"
	"plts/engine/plerr"
)

// maxConcurrentBridgeCalls bounds how many query/exec dispatches a single
// Bridge permits in flight at once (spec §12's "pool-backed quota
// accounting"). §5's single-threaded cooperative model means a handler
// should never actually reach this — the binding in engine/vm blocks the
// isolate for the duration of a call — but it is cheap to assert, the same
// way oriys-nova's ConnPool rejects over-quota acquisitions rather than
// trusting callers to behave.
const maxConcurrentBridgeCalls = 1

// Mode is the bridge's access mode for one invocation (spec §4.6.3: chosen
// from the handler's __stopgap_kind metadata).
type Mode string

const (
	ModeReadOnly  Mode = "ro"
	ModeReadWrite Mode = "rw"
)

// Tx is the subset of pgx.Tx the bridge dispatches through. It is satisfied
// directly by pgx.Tx — same exact-signature-match requirement as
// engine/artifact.Executor.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ToSQLer is implemented by a JS-object shim (built in engine/vm) wrapping
// a value that exposes `toSQL(): { sql, params? }` — shape 3 of the three
// input forms (spec §4.5). The bridge calls it once and never again for a
// given input, matching "called once" in the spec.
type ToSQLer interface {
	ToSQL() (sql string, params []any, err error)
}

// Input is a normalized bridge call, shape-agnostic (spec §4.5).
type Input struct {
	SQL    string
	Params []any
}

// AuditRecord is one JSONL audit entry (addition, spec §4.5/§12), grounded
// in oriys-nova's domain.DbRequestLog / RecordAccess shape — a SHA-256
// statement fingerprint only, never raw SQL bytes or parameter values.
type AuditRecord struct {
	RequestID     string    `json:"request_id"`
	FnSchema      string    `json:"fn_schema"`
	FnName        string    `json:"fn_name"`
	Mode          Mode      `json:"mode"`
	Operation     string    `json:"operation"` // "query" | "exec"
	StatementHash string    `json:"statement_hash"`
	LatencyMS     int64     `json:"latency_ms"`
	RowCount      int64     `json:"row_count,omitempty"`
	Outcome       string    `json:"outcome"` // "ok" | "denied" | "error"
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// AuditSink receives one AuditRecord per dispatched call. The host wires
// this to a JSONL writer; a nil sink is a silent no-op.
type AuditSink interface {
	Record(AuditRecord)
}

// CallContext identifies the invocation a Bridge call is made on behalf of.
type CallContext struct {
	RequestID string
	Schema    string
	Name      string
	Mode      Mode
	Limits    calllimits.Limits
}

// Bridge dispatches query/exec calls against one host transaction for the
// duration of one invocation. A Bridge is single-invocation-scoped — build
// a new one per call, never reused across invocations.
type Bridge struct {
	tx    Tx
	call  CallContext
	audit AuditSink

	mu       sync.Mutex
	inFlight int
}

func New(tx Tx, call CallContext, audit AuditSink) *Bridge {
	return &Bridge{tx: tx, call: call, audit: audit}
}

// SetMode overrides the bridge's enforced access mode. Called exactly once
// per invocation by the Execution Engine, after it resolves the handler's
// own __stopgap_kind metadata (spec §4.6.3 step 1) — that derived value is
// the sole authority for mode; whatever CallContext.Mode was constructed
// with is provisional until this is called.
func (b *Bridge) SetMode(mode Mode) {
	b.call.Mode = mode
}

// NormalizeInput implements spec §4.5's three-shape input normalization: a
// bare SQL string, an {sql, params?} object, or a ToSQLer. For the third
// shape (an object exposing toSQL()) the caller passes a ToSQLer in place
// of raw — only engine/vm can wrap a live JS object that way — and
// NormalizeInput calls its ToSQL once to obtain (sql, params).
func NormalizeInput(raw any, params []any) (Input, error) {
	switch v := raw.(type) {
	case string:
		return Input{SQL: v, Params: params}, nil
	case ToSQLer:
		sql, p, err := v.ToSQL()
		if err != nil {
			return Input{}, plerr.Wrap(plerr.KindArgConversionError, plerr.StageBridge, err, "toSQL() failed")
		}
		return Input{SQL: sql, Params: p}, nil
	case map[string]any:
		sql, _ := v["sql"].(string)
		if sql == "" {
			return Input{}, plerr.New(plerr.KindArgConversionError, plerr.StageBridge, "input object is missing a non-empty sql field")
		}
		var p []any
		if raw, ok := v["params"].([]any); ok {
			p = raw
		}
		return Input{SQL: sql, Params: p}, nil
	default:
		return Input{}, plerr.New(plerr.KindArgConversionError, plerr.StageBridge, "unsupported db call input of type %T", raw)
	}
}

// QueryResult is the Go-side shape of a successful query call, converted to
// a JS array of row-objects by engine/vm.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

// ExecResult is the Go-side shape of a successful exec call.
type ExecResult struct {
	RowsAffected int64
}

// acquire reserves one of maxConcurrentBridgeCalls in-flight slots, same
// mutex-guarded counter pattern as oriys-nova's ConnPool.Acquire, rejecting
// rather than blocking when the bridge is already mid-dispatch.
func (b *Bridge) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight >= maxConcurrentBridgeCalls {
		return plerr.LimitExceeded(plerr.StageBridge, plerr.LimitConcurrent, "bridge already has %d call(s) in flight, exceeds max_concurrent=%d", b.inFlight, maxConcurrentBridgeCalls)
	}
	b.inFlight++
	return nil
}

func (b *Bridge) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
}

// Query dispatches ctx.db.query (spec §4.5).
func (b *Bridge) Query(ctx context.Context, in Input) (QueryResult, error) {
	start := time.Now()

	if err := b.acquire(); err != nil {
		b.recordAudit("query", in, start, 0, "denied", err)
		return QueryResult{}, err
	}
	defer b.release()

	if err := b.checkLimits(in); err != nil {
		b.recordAudit("query", in, start, 0, "denied", err)
		return QueryResult{}, err
	}
	if err := classifyReadOnly(in.SQL); err != nil && b.call.Mode == ModeReadOnly {
		b.recordAudit("query", in, start, 0, "denied", err)
		return QueryResult{}, err
	}

	rows, err := b.tx.Query(ctx, in.SQL, in.Params...)
	if err != nil {
		sqlErr := sqlError(in.SQL, err)
		b.recordAudit("query", in, start, 0, "error", sqlErr)
		return QueryResult{}, sqlErr
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var result QueryResult
	result.Columns = columns
	var count int64
	for rows.Next() {
		count++
		if count > int64(b.call.Limits.MaxQueryRows) {
			err := plerr.LimitExceeded(plerr.StageBridge, plerr.LimitRows, "query returned more than max_query_rows=%d rows", b.call.Limits.MaxQueryRows)
			b.recordAudit("query", in, start, count, "denied", err)
			return QueryResult{}, err
		}
		vals, err := rows.Values()
		if err != nil {
			sqlErr := sqlError(in.SQL, err)
			b.recordAudit("query", in, start, count, "error", sqlErr)
			return QueryResult{}, sqlErr
		}
		result.Rows = append(result.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		sqlErr := sqlError(in.SQL, err)
		b.recordAudit("query", in, start, count, "error", sqlErr)
		return QueryResult{}, sqlErr
	}

	b.recordAudit("query", in, start, count, "ok", nil)
	return result, nil
}

// Exec dispatches ctx.db.exec (spec §4.5).
func (b *Bridge) Exec(ctx context.Context, in Input) (ExecResult, error) {
	start := time.Now()

	if err := b.acquire(); err != nil {
		b.recordAudit("exec", in, start, 0, "denied", err)
		return ExecResult{}, err
	}
	defer b.release()

	if b.call.Mode == ModeReadOnly {
		err := plerr.New(plerr.KindSqlError, plerr.StageBridge, "exec() is not permitted in read-only mode")
		b.recordAudit("exec", in, start, 0, "denied", err)
		return ExecResult{}, err
	}
	if err := b.checkLimits(in); err != nil {
		b.recordAudit("exec", in, start, 0, "denied", err)
		return ExecResult{}, err
	}

	tag, err := b.tx.Exec(ctx, in.SQL, in.Params...)
	if err != nil {
		sqlErr := sqlError(in.SQL, err)
		b.recordAudit("exec", in, start, 0, "error", sqlErr)
		return ExecResult{}, sqlErr
	}

	affected := tag.RowsAffected()
	b.recordAudit("exec", in, start, affected, "ok", nil)
	return ExecResult{RowsAffected: affected}, nil
}

func (b *Bridge) checkLimits(in Input) error {
	if len(in.SQL) > b.call.Limits.MaxSQLBytes {
		return plerr.LimitExceeded(plerr.StageBridge, plerr.LimitSQLBytes, "sql is %d bytes, exceeds max_sql_bytes=%d", len(in.SQL), b.call.Limits.MaxSQLBytes)
	}
	if len(in.Params) > b.call.Limits.MaxParams {
		return plerr.LimitExceeded(plerr.StageBridge, plerr.LimitParams, "%d params exceeds max_params=%d", len(in.Params), b.call.Limits.MaxParams)
	}
	return nil
}

func (b *Bridge) recordAudit(op string, in Input, start time.Time, rowCount int64, outcome string, err error) {
	if b.audit == nil {
		return
	}
	rec := AuditRecord{
		RequestID:     b.call.RequestID,
		FnSchema:      b.call.Schema,
		FnName:        b.call.Name,
		Mode:          b.call.Mode,
		Operation:     op,
		StatementHash: hashStatement(in.SQL),
		LatencyMS:     time.Since(start).Milliseconds(),
		RowCount:      rowCount,
		Outcome:       outcome,
		At:            start.UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	b.audit.Record(rec)
}

// hashStatement fingerprints SQL for the audit log without ever persisting
// raw statement text, same truncation idea as oriys-nova's hashStatement
// (there 8 bytes of a sha256; here the full digest, since it is recorded
// once per call rather than joined against a live index).
func hashStatement(sql string) string {
	h := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(h[:])
}

func sqlError(sql string, cause error) *plerr.Error {
	code := ""
	var pgErr *pgconn.PgError
	if errorsAs(cause, &pgErr) {
		code = pgErr.Code
	}
	return &plerr.Error{
		Kind:    plerr.KindSqlError,
		Stage:   plerr.StageBridge,
		Message: fmt.Sprintf("statement failed: %v", cause),
		SQLCode: code,
		Cause:   cause,
	}
}

// leadingKeyword extracts the statement-leading keyword that
// classifyReadOnly checks against the keywords classified as read-only (spec §4.5: "SELECT/SHOW/EXPLAIN-without-ANALYZE or equivalent
// read-only forms"). There is no SQL parser anywhere in the retrieved
// corpus, so this is a syntactic classifier over the leading command
// keyword — justified in DESIGN.md as a stdlib-only piece with no library
// in the pack to ground it on.
var leadingKeyword = regexp.MustCompile(`(?i)^\s*(?:--[^\n]*\n\s*)*([a-zA-Z]+)`)

func classifyReadOnly(sql string) error {
	m := leadingKeyword.FindStringSubmatch(sql)
	if m == nil {
		return plerr.New(plerr.KindSqlError, plerr.StageBridge, "cannot classify an empty statement as read-only")
	}
	switch strings.ToUpper(m[1]) {
	case "SELECT", "SHOW", "TABLE", "VALUES", "WITH":
		return nil
	case "EXPLAIN":
		if regexp.MustCompile(`(?i)\bANALYZE\b`).MatchString(sql) {
			return plerr.New(plerr.KindSqlError, plerr.StageBridge, "EXPLAIN ANALYZE executes the statement and is not permitted in ro mode")
		}
		return nil
	default:
		return plerr.New(plerr.KindSqlError, plerr.StageBridge, "statement is not classified as read-only, not permitted in ro mode")
	}
}

// errorsAs is a hand-rolled errors.As for *pgconn.PgError, walking the
// Unwrap chain, so this file needs no "errors" import; see usage in sqlError.
func errorsAs(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
