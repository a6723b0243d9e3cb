package artifact

import (
	"bytes"
	"testing"
)

func TestCanonicalOptsKeyOrderInsensitive(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": []any{1, 2}}
	b := map[string]any{"c": []any{1, 2}, "a": "x", "b": 1}

	canonA, err := CanonicalOpts(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	canonB, err := CanonicalOpts(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if !bytes.Equal(canonA, canonB) {
		t.Fatalf("canonical forms differ by key order: %s vs %s", canonA, canonB)
	}
}

func TestHashDeterministic(t *testing.T) {
	opts := map[string]any{"target": "es2022", "sourceMap": true}
	canon, err := CanonicalOpts(opts)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	h1 := Hash("esbuild-v0.25.0;fp1", canon, "export default () => 1;")
	h2 := Hash("esbuild-v0.25.0;fp1", canon, "export default () => 1;")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}

	h3 := Hash("esbuild-v0.25.0;fp1", canon, "export default () => 2;")
	if h1 == h3 {
		t.Fatalf("different source produced the same hash")
	}
}

func TestHashStableAcrossKeyOrderVariantOpts(t *testing.T) {
	// The same compiler_opts written with its keys in a different order
	// must hash the same way (spec §8 hash determinism property).
	o1 := map[string]any{"a": 1, "b": 2}
	o2 := map[string]any{"b": 2, "a": 1}

	c1, _ := CanonicalOpts(o1)
	c2, _ := CanonicalOpts(o2)

	if Hash("fp", c1, "src") != Hash("fp", c2, "src") {
		t.Fatalf("hash changed for a non-canonical reordering of compiler_opts")
	}
}
