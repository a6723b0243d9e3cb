// Package argmap implements the Argument Mapper (spec §4.4): converts a raw
// call's arguments into the shape a handler's InvocationContext exposes as
// ctx.args, either structured passthrough or typed positional+named mapping.
//
// Grounded on engine/manifest/schema.go's ParamDef/FunctionDef param-type
// vocabulary (the closest thing in the corpus to a typed-argument catalog
// entry), with the descriptor cache built on ristretto/v2 — unlike the
// Function Program Loader's cache (engine/loader), this one carries no
// exactness invariant, so a probabilistic TTL cache is a better fit than a
// hand-rolled LRU.
package argmap

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"plts/engine/plerr"
)

// Kind is a declared argument type (spec §4.4's "declared type").
type Kind string

const (
	KindText       Kind = "text"
	KindInteger    Kind = "integer"
	KindBoolean    Kind = "boolean"
	KindStructured Kind = "structured"
)

// ArgDescriptor is one declared argument in a function's signature.
type ArgDescriptor struct {
	Name string
	Kind Kind
}

// Mode selects how a function's arguments are mapped (spec §4.4).
type Mode int

const (
	// ModePassthrough: signature is exactly one structured-blob argument.
	ModePassthrough Mode = iota
	// ModeTyped: each argument is converted by its declared type.
	ModeTyped
)

// Signature is the per-function argument-type descriptor the mapper caches.
type Signature struct {
	Mode Mode
	Args []ArgDescriptor
}

// SignatureCatalog resolves a function's declared signature. The host's
// catalog access (system catalog lookup) implements this.
type SignatureCatalog interface {
	FunctionSignature(oid int64) (Signature, error)
}

// Mapped is the Argument Mapper's output: either ctx.args (Passthrough) is
// set, or Positional/Named are (Typed).
type Mapped struct {
	Passthrough bool
	Args        any            // structured blob, when Passthrough
	Positional  []any          // v0, v1, ... when Typed
	Named       map[string]any // argname -> vi, omitting unnamed positions
}

// Mapper converts raw call arguments per a function's cached signature.
type Mapper struct {
	catalog SignatureCatalog
	cache   *ristretto.Cache[int64, Signature]
	ttl     time.Duration
}

// New builds a Mapper with a ristretto-backed descriptor cache. ttl mirrors
// the Function Program Loader's TTL (spec §4.4: "Invalidated on TTL with the
// Program cache").
func New(catalog SignatureCatalog, ttl time.Duration) (*Mapper, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config[int64, Signature]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("argmap: build descriptor cache: %w", err)
	}
	return &Mapper{catalog: catalog, cache: cache, ttl: ttl}, nil
}

func (m *Mapper) descriptor(oid int64) (Signature, error) {
	if sig, ok := m.cache.Get(oid); ok {
		return sig, nil
	}
	sig, err := m.catalog.FunctionSignature(oid)
	if err != nil {
		return Signature{}, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "resolve argument signature for function %d", oid)
	}
	m.cache.SetWithTTL(oid, sig, 1, m.ttl)
	m.cache.Wait()
	return sig, nil
}

// Map converts rawArgs (one value per declared parameter, in declared
// order) for function oid into the shape ctx.args exposes.
func (m *Mapper) Map(oid int64, rawArgs []any) (Mapped, error) {
	sig, err := m.descriptor(oid)
	if err != nil {
		return Mapped{}, err
	}

	if sig.Mode == ModePassthrough {
		var blob any
		if len(rawArgs) > 0 {
			blob = rawArgs[0]
		}
		return Mapped{Passthrough: true, Args: blob}, nil
	}

	positional := make([]any, len(sig.Args))
	named := make(map[string]any, len(sig.Args))
	for i, desc := range sig.Args {
		var raw any
		if i < len(rawArgs) {
			raw = rawArgs[i]
		}
		v, err := convert(desc, raw)
		if err != nil {
			return Mapped{}, err
		}
		positional[i] = v
		if desc.Name != "" {
			named[desc.Name] = v
		}
	}

	return Mapped{Positional: positional, Named: named}, nil
}

// convert applies spec §4.4's typed-mapping conversion rules for one
// argument.
func convert(desc ArgDescriptor, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch desc.Kind {
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, argErr(desc, "expected a text value, got %T", raw)
		}
		return s, nil

	case KindInteger:
		n, err := toFiniteInteger(raw)
		if err != nil {
			return nil, argErr(desc, "%v", err)
		}
		return n, nil

	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, argErr(desc, "expected a boolean value, got %T", raw)
		}
		return b, nil

	case KindStructured:
		return raw, nil

	default:
		return nil, argErr(desc, "unknown declared type %q", desc.Kind)
	}
}

// toFiniteInteger accepts any numeric Go representation a JSON/SQL decode
// might hand back and rejects anything with a fractional part or outside
// a float64-safe integer range (spec §4.4: "reject out-of-range with an
// ArgConversionError").
func toFiniteInteger(raw any) (int64, error) {
	var f float64
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		f = v
	default:
		return 0, fmt.Errorf("expected an integer value, got %T", raw)
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("value %v is not a whole number", f)
	}
	const maxSafeInt = 1 << 53
	if f > maxSafeInt || f < -maxSafeInt {
		return 0, fmt.Errorf("value %v is out of the representable integer range", f)
	}
	return int64(f), nil
}

func argErr(desc ArgDescriptor, format string, args ...any) error {
	return plerr.New(plerr.KindArgConversionError, plerr.StageLoad, "argument %q: %s", desc.Name, fmt.Sprintf(format, args...))
}
