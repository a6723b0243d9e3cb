package vm

import (
	"strings"

	v8 "rogchap.com/v8go"

	"plts/engine/wrapper"
)

// installRequire installs a single global `require(specifier)` function
// recognizing exactly the three resolvable specifier shapes of spec
// §4.6.2, grounded in engine/runtime/api.go's FunctionTemplate injection
// pattern.
func installRequire(iso *v8.Isolate, global *v8.ObjectTemplate, e *Engine) error {
	fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		ctx := info.Context()
		args := info.Args()
		if len(args) < 1 || !args[0].IsString() {
			return throwRequireError(iso, "require() expects a string specifier")
		}
		specifier := args[0].String()

		if cached, ok := e.moduleCache[specifier]; ok {
			return cached
		}

		exportsVal, err := e.resolveModule(ctx, specifier)
		if err != nil {
			return throwRequireError(iso, err.Error())
		}

		// The entry module's identity changes every call (it is the
		// current call's compiled_js), so it is deliberately never
		// memoized; every other resolvable specifier is process-lifetime
		// stable and safe to cache (spec §4.6.2).
		if specifier != "entry" {
			e.moduleCache[specifier] = exportsVal
		}
		return exportsVal
	})
	return global.Set("require", fn, v8.ReadOnly)
}

// resolveModule implements the three resolver forms, in order, plus the
// ImportNotSupported fallback.
func (e *Engine) resolveModule(ctx *v8.Context, specifier string) (*v8.Value, error) {
	switch {
	case specifier == "entry":
		return evalCommonJSModule(ctx, e.entrySource, "entry")

	case strings.HasPrefix(specifier, "data:"):
		src, err := decodeDataURL(specifier)
		if err != nil {
			return nil, err
		}
		return evalCommonJSModule(ctx, src, specifier)

	case specifier == "@stopgap/runtime":
		return evalCommonJSModule(ctx, wrapper.Source, specifier)

	default:
		return nil, errImportNotSupported(specifier)
	}
}

// evalCommonJSModule evaluates src as a flat sequence of statements
// assigning to `exports`/`module.exports` (the Compiler's esbuild
// FormatCommonJS output and the wrapper module both produce this shape),
// inside an IIFE supplying `module`/`exports`/`require` as locals, and
// returns module.exports (spec §4.2's "CommonJS target" note and §4.6.2).
func evalCommonJSModule(ctx *v8.Context, src, origin string) (*v8.Value, error) {
	wrapped := `(function() {
  var module = { exports: {} };
  var exports = module.exports;
  (function(module, exports, require) {
` + src + `
  })(module, exports, require);
  return module.exports;
})()`
	return ctx.RunScript(wrapped, origin)
}

func decodeDataURL(specifier string) (string, error) {
	idx := strings.Index(specifier, ",")
	if idx < 0 {
		return "", errImportNotSupported(specifier)
	}
	return specifier[idx+1:], nil
}

func errImportNotSupported(specifier string) error {
	return &importNotSupportedError{specifier: specifier}
}

type importNotSupportedError struct{ specifier string }

func (e *importNotSupportedError) Error() string {
	return "ImportNotSupported: " + e.specifier
}

func throwRequireError(iso *v8.Isolate, msg string) *v8.Value {
	val, _ := v8.NewValue(iso, msg)
	return iso.ThrowException(val)
}
