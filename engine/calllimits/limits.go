// Package calllimits resolves CallLimits (spec §3) from host configuration,
// with glob-shaped per-schema/per-function overrides layered on top of one
// set of defaults.
//
// Grounded on engine/policy/evaluator.go's tiered rule matching (exact >
// glob > broad, ties broken by pattern specificity), repurposed here from
// matching filesystem/network permission targets to matching
// "schema.function_name" call identities.
package calllimits

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Limits is CallLimits (spec §3): per-call configuration, immutable once
// resolved for a call.
type Limits struct {
	MaxRuntimeMS int
	MaxHeapMB    int
	MaxSQLBytes  int
	MaxParams    int
	MaxQueryRows int
}

func (l Limits) MaxRuntime() time.Duration {
	return time.Duration(l.MaxRuntimeMS) * time.Millisecond
}

// Override binds a glob pattern over "schema.name" to a partial set of
// limit overrides; zero fields fall back to the default. Tagged for direct
// TOML decoding as config's second table section (spec §10).
type Override struct {
	Pattern      string `toml:"pattern"`
	MaxRuntimeMS int    `toml:"max_runtime_ms"`
	MaxHeapMB    int    `toml:"max_heap_mb"`
	MaxSQLBytes  int    `toml:"max_sql_bytes"`
	MaxParams    int    `toml:"max_params"`
	MaxQueryRows int    `toml:"max_query_rows"`
}

// Resolver resolves Limits for a given function identity.
type Resolver struct {
	Defaults  Limits
	Overrides []Override
}

func NewResolver(defaults Limits, overrides []Override) *Resolver {
	return &Resolver{Defaults: defaults, Overrides: overrides}
}

// Resolve picks the best-matching override for "schema.name" (tiered exact >
// glob, ties within a tier going to the longest matching pattern, same
// tie-break shape as the teacher's matchRule) and layers its non-zero fields over the defaults.
// statementTimeoutMS, when positive, is intersected with the resolved
// max_runtime_ms per spec §3 ("stricter of statement_timeout and an
// optional explicit cap").
func (r *Resolver) Resolve(schemaDotName string, statementTimeoutMS int) Limits {
	limits := r.Defaults

	best, bestTier, bestLen := (*Override)(nil), -1, 0
	for i := range r.Overrides {
		ov := &r.Overrides[i]
		tier, matchLen := matchPattern(ov.Pattern, schemaDotName)
		if tier < 0 {
			continue
		}
		if best == nil || tier > bestTier || (tier == bestTier && matchLen > bestLen) {
			best, bestTier, bestLen = ov, tier, matchLen
		}
	}

	if best != nil {
		if best.MaxRuntimeMS > 0 {
			limits.MaxRuntimeMS = best.MaxRuntimeMS
		}
		if best.MaxHeapMB > 0 {
			limits.MaxHeapMB = best.MaxHeapMB
		}
		if best.MaxSQLBytes > 0 {
			limits.MaxSQLBytes = best.MaxSQLBytes
		}
		if best.MaxParams > 0 {
			limits.MaxParams = best.MaxParams
		}
		if best.MaxQueryRows > 0 {
			limits.MaxQueryRows = best.MaxQueryRows
		}
	}

	if statementTimeoutMS > 0 && statementTimeoutMS < limits.MaxRuntimeMS {
		limits.MaxRuntimeMS = statementTimeoutMS
	}

	return limits
}

// matchPattern returns (tier, matchLen), tier -1 meaning "no match":
//
//	2 = exact match
//	1 = glob match
//
// matchLen is the pattern's length, used to prefer the more specific of two
// matching glob patterns — same tie-break idea as the teacher's matchRule,
// simplified because a call identity has no path-escape security concerns.
func matchPattern(pattern, identity string) (tier int, matchLen int) {
	if pattern == identity {
		return 2, len(pattern)
	}
	if matched, err := doublestar.Match(pattern, identity); err == nil && matched {
		return 1, len(pattern)
	}
	return -1, 0
}
