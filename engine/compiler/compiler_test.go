package compiler

import (
	"context"
	"strings"
	"testing"
)

func TestCompileEmptySourceYieldsEmptyOutput(t *testing.T) {
	c := New()
	js, sm, diags, fp, err := c.Compile(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("empty source should compile: %v", err)
	}
	if js != "" {
		t.Fatalf("expected empty compiled_js, got %q", js)
	}
	if sm != "" {
		t.Fatalf("expected empty source map for empty source, got %q", sm)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags)
	}
	if fp == "" {
		t.Fatalf("expected a non-empty fingerprint even for empty source")
	}
}

func TestCompileValidModule(t *testing.T) {
	c := New()
	js, _, _, _, err := c.Compile(context.Background(), "export default (ctx: any) => ctx.args;", nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if js == "" {
		t.Fatalf("expected non-empty compiled_js")
	}
	if !strings.Contains(js, "exports") && !strings.Contains(js, "default") {
		t.Fatalf("expected CommonJS-shaped output, got %q", js)
	}
}

func TestCompileWithSourceMapOption(t *testing.T) {
	c := New()
	_, sm, _, _, err := c.Compile(context.Background(), "export default (ctx: any) => ctx.args;", map[string]any{"source_map": true})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if sm == "" {
		t.Fatalf("expected a non-empty source map when source_map=true")
	}
}

func TestCompileSyntaxErrorFails(t *testing.T) {
	c := New()
	_, _, diags, _, err := c.Compile(context.Background(), "export default (ctx: any) => { ctx.args", nil)
	if err == nil {
		t.Fatalf("expected a CompileError for unterminated syntax")
	}
	if len(diags) == 0 {
		t.Fatalf("expected at least one diagnostic")
	}
}

func TestFingerprintChangesWithOptions(t *testing.T) {
	fp1 := Fingerprint(map[string]any{"target": "es2020"})
	fp2 := Fingerprint(map[string]any{"target": "es2022"})
	if fp1 == fp2 {
		t.Fatalf("fingerprint did not change for a different target option")
	}

	fp3 := Fingerprint(map[string]any{"source_map": true})
	fp4 := Fingerprint(map[string]any{"source_map": false})
	if fp3 == fp4 {
		t.Fatalf("fingerprint did not change for a different source_map option")
	}
}
