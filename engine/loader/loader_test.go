package loader

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"plts/engine/artifact"
	"plts/engine/plerr"
)

type fakeReader struct {
	bodies map[int64]string
	schema string
	name   string
	calls  int
}

func (f *fakeReader) ReadFunctionSource(ctx context.Context, oid int64) (string, string, string, map[string]any, error) {
	f.calls++
	body, ok := f.bodies[oid]
	if !ok {
		return "", "", "", nil, fmt.Errorf("no such function %d", oid)
	}
	return body, f.schema, f.name, nil, nil
}

type fakeCompiler struct{ calls int }

func (f *fakeCompiler) Compile(ctx context.Context, sourceTS string, opts map[string]any) (string, string, []plerr.Diagnostic, string, error) {
	f.calls++
	if sourceTS == "bad" {
		return "", "", []plerr.Diagnostic{{Severity: "error", Message: "boom"}}, "fp",
			&plerr.Error{Kind: plerr.KindCompileError, Stage: plerr.StageCompile, Message: "boom"}
	}
	return "compiled:" + sourceTS, "", nil, "fp", nil
}

type fakeStore struct {
	artifacts map[string]*artifact.Artifact
}

func (f *fakeStore) Get(ctx context.Context, hash string) (*artifact.Artifact, error) {
	a, ok := f.artifacts[hash]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return a, nil
}

func TestLoadInlineSourceCompilesAndCaches(t *testing.T) {
	reader := &fakeReader{bodies: map[int64]string{1: "export default (ctx) => ctx.args;"}, schema: "s", name: "f"}
	compiler := &fakeCompiler{}
	l := New(reader, compiler, &fakeStore{}, Config{})

	prog, err := l.Load(context.Background(), 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if prog.CompiledJS == "" {
		t.Fatalf("expected compiled JS")
	}
	if compiler.calls != 1 {
		t.Fatalf("expected one compile call, got %d", compiler.calls)
	}

	if _, err := l.Load(context.Background(), 1); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if compiler.calls != 1 {
		t.Fatalf("expected cache hit to avoid recompiling, got %d compiler calls", compiler.calls)
	}
	if reader.calls != 1 {
		t.Fatalf("expected cache hit to avoid re-reading source, got %d reads", reader.calls)
	}
}

func TestLoadPointerStubHydratesFromStore(t *testing.T) {
	stub := pointerStub{PLTS: 1, Kind: stubKind, ArtifactRef: "abc123", Export: "default"}
	body, _ := json.Marshal(stub)
	reader := &fakeReader{bodies: map[int64]string{2: string(body)}}
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{
		"abc123": {Hash: "abc123", CompiledJS: "compiled-from-artifact"},
	}}
	l := New(reader, &fakeCompiler{}, store, Config{})

	prog, err := l.Load(context.Background(), 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if prog.CompiledJS != "compiled-from-artifact" {
		t.Fatalf("expected hydrated artifact JS, got %q", prog.CompiledJS)
	}
}

func TestLoadPointerStubMissingArtifactFails(t *testing.T) {
	stub := pointerStub{PLTS: 1, Kind: stubKind, ArtifactRef: "missing", Export: "default"}
	body, _ := json.Marshal(stub)
	reader := &fakeReader{bodies: map[int64]string{3: string(body)}}
	l := New(reader, &fakeCompiler{}, &fakeStore{}, Config{})

	if _, err := l.Load(context.Background(), 3); err == nil {
		t.Fatalf("expected an error for a missing artifact")
	}
}

func TestLoadPointerStubSignatureVerification(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sig, err := SignPointer("abc123", "default", priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	stub := pointerStub{PLTS: 1, Kind: stubKind, ArtifactRef: "abc123", Export: "default", Sig: sig}
	body, _ := json.Marshal(stub)
	reader := &fakeReader{bodies: map[int64]string{4: string(body)}}
	store := &fakeStore{artifacts: map[string]*artifact.Artifact{"abc123": {Hash: "abc123", CompiledJS: "x"}}}

	l := New(reader, &fakeCompiler{}, store, Config{TrustedKeys: []ed25519.PublicKey{pub}})
	if _, err := l.Load(context.Background(), 4); err != nil {
		t.Fatalf("expected a valid signature to verify, got %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	l2 := New(reader, &fakeCompiler{}, store, Config{TrustedKeys: []ed25519.PublicKey{otherPub}})
	if _, err := l2.Load(context.Background(), 4); err == nil {
		t.Fatalf("expected signature verification to fail against the wrong key")
	}
}

func TestLoadInlineCompileErrorPropagates(t *testing.T) {
	reader := &fakeReader{bodies: map[int64]string{5: "bad"}}
	l := New(reader, &fakeCompiler{}, &fakeStore{}, Config{})

	_, err := l.Load(context.Background(), 5)
	if err == nil {
		t.Fatalf("expected a compile error")
	}
	perr, ok := plerr.As(err)
	if !ok || perr.Kind != plerr.KindCompileError {
		t.Fatalf("expected a KindCompileError, got %v", err)
	}
}

func TestCacheEvictsByEntryCount(t *testing.T) {
	bodies := map[int64]string{}
	for i := int64(1); i <= 5; i++ {
		bodies[i] = fmt.Sprintf("src-%d", i)
	}
	reader := &fakeReader{bodies: bodies}
	compiler := &fakeCompiler{}
	l := New(reader, compiler, &fakeStore{}, Config{MaxEntries: 2})

	for i := int64(1); i <= 5; i++ {
		if _, err := l.Load(context.Background(), i); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if len(l.entries) > 2 {
		t.Fatalf("expected cache to stay within MaxEntries=2, has %d entries", len(l.entries))
	}
	if _, ok := l.entries[1]; ok {
		t.Fatalf("expected the least-recently-used entry (oid 1) to have been evicted")
	}
}

func TestCacheExpiresByTTL(t *testing.T) {
	reader := &fakeReader{bodies: map[int64]string{1: "src"}}
	compiler := &fakeCompiler{}
	l := New(reader, compiler, &fakeStore{}, Config{TTL: time.Millisecond})

	if _, err := l.Load(context.Background(), 1); err != nil {
		t.Fatalf("load: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Load(context.Background(), 1); err != nil {
		t.Fatalf("load after expiry: %v", err)
	}
	if compiler.calls != 2 {
		t.Fatalf("expected TTL expiry to force a recompile, got %d compiler calls", compiler.calls)
	}
}
