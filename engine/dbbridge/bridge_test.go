package dbbridge

import (
	"testing"

	"plts/engine/calllimits"
	"plts/engine/plerr"
)

func TestNormalizeInputString(t *testing.T) {
	in, err := NormalizeInput("select 1", []any{1, 2})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.SQL != "select 1" || len(in.Params) != 2 {
		t.Fatalf("unexpected normalization: %+v", in)
	}
}

func TestNormalizeInputObject(t *testing.T) {
	in, err := NormalizeInput(map[string]any{"sql": "select 2", "params": []any{"x"}}, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.SQL != "select 2" || len(in.Params) != 1 {
		t.Fatalf("unexpected normalization: %+v", in)
	}
}

func TestNormalizeInputObjectMissingSQLFails(t *testing.T) {
	if _, err := NormalizeInput(map[string]any{"params": []any{}}, nil); err == nil {
		t.Fatalf("expected an error for an object missing sql")
	}
}

type fakeToSQL struct{ sql string }

func (f fakeToSQL) ToSQL() (string, []any, error) { return f.sql, nil, nil }

func TestNormalizeInputToSQLer(t *testing.T) {
	in, err := NormalizeInput(fakeToSQL{sql: "select 3"}, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.SQL != "select 3" {
		t.Fatalf("expected toSQL() result to be used, got %q", in.SQL)
	}
}

func TestNormalizeInputUnsupportedTypeFails(t *testing.T) {
	if _, err := NormalizeInput(42, nil); err == nil {
		t.Fatalf("expected an error for an unsupported input type")
	}
}

func TestClassifyReadOnly(t *testing.T) {
	cases := map[string]bool{
		"select * from t":           true,
		"  SELECT 1":                true,
		"with x as (select 1) select * from x": true,
		"show search_path":          true,
		"explain select 1":          true,
		"explain analyze select 1":  false,
		"insert into t values (1)":  false,
		"update t set x = 1":        false,
		"delete from t":             false,
		"":                          false,
	}
	for sql, wantOK := range cases {
		err := classifyReadOnly(sql)
		if wantOK && err != nil {
			t.Errorf("expected %q to classify as read-only, got %v", sql, err)
		}
		if !wantOK && err == nil {
			t.Errorf("expected %q to be rejected as non-read-only", sql)
		}
	}
}

type recordingAudit struct{ records []AuditRecord }

func (r *recordingAudit) Record(rec AuditRecord) { r.records = append(r.records, rec) }

func TestExecDeniedInReadOnlyModeIsAudited(t *testing.T) {
	audit := &recordingAudit{}
	limits := calllimits.Limits{MaxSQLBytes: 1000, MaxParams: 10, MaxQueryRows: 10}
	b := New(nil, CallContext{RequestID: "r1", Schema: "s", Name: "f", Mode: ModeReadOnly, Limits: limits}, audit)

	_, err := b.Exec(nil, Input{SQL: "insert into t values (1)"})
	if err == nil {
		t.Fatalf("expected exec() to be denied in ro mode")
	}
	if len(audit.records) != 1 || audit.records[0].Outcome != "denied" {
		t.Fatalf("expected one denied audit record, got %+v", audit.records)
	}
}

func TestCheckLimitsRejectsOversizedSQL(t *testing.T) {
	limits := calllimits.Limits{MaxSQLBytes: 4, MaxParams: 10, MaxQueryRows: 10}
	b := New(nil, CallContext{Mode: ModeReadWrite, Limits: limits}, nil)
	if err := b.checkLimits(Input{SQL: "select 1"}); err == nil {
		t.Fatalf("expected a limit error for SQL exceeding max_sql_bytes")
	}
}

func TestCheckLimitsRejectsTooManyParams(t *testing.T) {
	limits := calllimits.Limits{MaxSQLBytes: 1000, MaxParams: 1, MaxQueryRows: 10}
	b := New(nil, CallContext{Mode: ModeReadWrite, Limits: limits}, nil)
	if err := b.checkLimits(Input{SQL: "select $1, $2", Params: []any{1, 2}}); err == nil {
		t.Fatalf("expected a limit error for too many params")
	}
}

// TestConcurrentBridgeCallIsRejected exercises spec §12's pool-backed quota
// accounting: a second dispatch while one is already in flight on the same
// Bridge is rejected as a concurrency LimitExceeded rather than silently
// interleaved.
func TestConcurrentBridgeCallIsRejected(t *testing.T) {
	limits := calllimits.Limits{MaxSQLBytes: 1000, MaxParams: 10, MaxQueryRows: 10}
	b := New(nil, CallContext{Mode: ModeReadWrite, Limits: limits}, nil)

	if err := b.acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer b.release()

	err := b.acquire()
	if err == nil {
		t.Fatalf("expected a second concurrent acquire to be rejected")
	}
	perr, ok := plerr.As(err)
	if !ok || perr.Dimension != plerr.LimitConcurrent {
		t.Fatalf("expected a LimitConcurrent LimitExceeded error, got %v", err)
	}
}
