// Package compiler implements the TS→JS Compiler (spec §4.2): parse as
// TypeScript, emit JS, and produce a diagnostics array plus a stable
// fingerprint of the toolchain that produced the emission.
//
// Grounded on the evanw-esbuild pack repo's pkg/api.Transform, the one real
// TS→JS transpiler available anywhere in the retrieved corpus.
package compiler

import (
	"context"
	"fmt"

	"github.com/evanw/esbuild/pkg/api"

	"plts/engine/plerr"
)

// fingerprintVersion bumps whenever this package's fingerprint format
// itself changes shape, independent of the underlying esbuild version.
const fingerprintVersion = "1"

// esbuildVersion is the toolchain identity baked into every fingerprint.
// esbuild has no programmatic version-string accessor in this API surface,
// so the version is pinned here to match go.mod's require line; bump both
// together.
const esbuildVersion = "0.25.0"

// Compiler runs the TS→JS transpile. It has no mutable state and is safe
// for concurrent use — esbuild's Transform is a pure function of its input.
type Compiler struct{}

func New() *Compiler { return &Compiler{} }

// Compile implements artifact.Compiler. opts recognizes "source_map" (bool)
// and "target" (string, one of the esbuild Target names; defaults to
// ESNext). Unknown keys are ignored — compiler_opts is the handler author's
// namespace, and the core only reads the keys it understands.
//
// When opts["source_map"] is true, the returned sourceMap is esbuild's
// external source map for the emission (spec §3/§4.2: compile_and_store
// "additionally emits an inline or sidecar source map" in that case);
// otherwise it is empty.
func (c *Compiler) Compile(ctx context.Context, sourceTS string, opts map[string]any) (compiledJS string, sourceMap string, diagnostics []plerr.Diagnostic, fingerprint string, err error) {
	fp := Fingerprint(opts)

	if sourceTS == "" {
		// Edge case (spec §4.2): empty source is valid and yields empty
		// compiled_js, no diagnostics.
		return "", "", nil, fp, nil
	}

	wantSourceMap, _ := opts["source_map"].(bool)
	target := parseTarget(opts)

	result := api.Transform(sourceTS, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatCommonJS,
		Target:     target,
		Sourcefile: "handler.ts",
		Sourcemap:  sourceMapMode(wantSourceMap),
		LogLevel:   api.LogLevelSilent,
	})

	diags := convertMessages(result.Errors, "error")
	diags = append(diags, convertMessages(result.Warnings, "warning")...)

	if len(result.Errors) > 0 {
		return "", "", diags, fp, &plerr.Error{
			Kind:        plerr.KindCompileError,
			Stage:       plerr.StageCompile,
			Message:     "transpile failed",
			Diagnostics: diags,
		}
	}

	return string(result.JS), string(result.SourceMap), diags, fp, nil
}

// Fingerprint derives a stable identity string for the given compiler_opts
// incorporating the transpiler's own identity and version plus this
// package's fingerprint-format version (spec §4.2). It must change whenever
// the transpile could produce semantically different JS for the same
// source/options, so every option that affects emission is folded in.
func Fingerprint(opts map[string]any) string {
	target := parseTarget(opts)
	sourceMap, _ := opts["source_map"].(bool)
	return fmt.Sprintf("esbuild/%s;fmt=%d;target=%d;fpv=%s;sm=%t",
		esbuildVersion, api.FormatCommonJS, target, fingerprintVersion, sourceMap)
}

func parseTarget(opts map[string]any) api.Target {
	name, _ := opts["target"].(string)
	switch name {
	case "es2015":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2020":
		return api.ES2020
	default:
		return api.ESNext
	}
}

func sourceMapMode(wantSourceMap bool) api.SourceMap {
	if wantSourceMap {
		return api.SourceMapExternal
	}
	return api.SourceMapNone
}

func convertMessages(msgs []api.Message, severity string) []plerr.Diagnostic {
	out := make([]plerr.Diagnostic, 0, len(msgs))
	for _, m := range msgs {
		d := plerr.Diagnostic{Severity: severity, Message: m.Text}
		if m.Location != nil {
			d.Line = m.Location.Line
			d.Column = m.Location.Column
		}
		out = append(out, d)
	}
	return out
}
