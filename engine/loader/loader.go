// Package loader implements the Function Program Loader (spec §4.3):
// resolve a function's stored body to an executable FunctionProgram, either
// inline source compiled on the spot or a pointer stub hydrated from the
// Artifact Store, behind a bounded/TTL/byte-budgeted process cache.
//
// Grounded on engine/runtime/runtime.go's lazy-create/TTL-refresh isolate
// cache shape (generalized here from isolates to programs) and
// engine/manifest/schema.go's CanonicalPermissionsPayload/SignPermissions/
// verifyPermissionSignature trio, repurposed from signing a permission set
// to signing an artifact reference (pointer-stub sig, §3/§12).
package loader

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"plts/engine/artifact"
	"plts/engine/plerr"
)

// FunctionIdentity names the function a program was loaded for.
type FunctionIdentity struct {
	OID    int64
	Schema string
	Name   string
}

// FunctionProgram is the Loader's output: the resolved compiled_js plus the
// function identity it was produced for (spec §4.3).
type FunctionProgram struct {
	Identity   FunctionIdentity
	CompiledJS string
	SourceMap  []byte
}

// pointerStub is the JSON envelope a function body may contain instead of
// raw source (spec §3's ArtifactPointer wire format).
type pointerStub struct {
	PLTS        int    `json:"plts"`
	Kind        string `json:"kind"`
	ArtifactRef string `json:"artifact_hash"`
	Export      string `json:"export"`
	Sig         string `json:"sig,omitempty"`
}

const stubKind = "artifact_ptr"

// SourceReader resolves a function's stored body and compiler_opts. The
// host's catalog access (engine/catalog.Catalog) implements this; the
// loader only consumes it.
type SourceReader interface {
	ReadFunctionSource(ctx context.Context, oid int64) (body string, schema, name string, opts map[string]any, err error)
}

// Compiler is the subset of engine/compiler.Compiler the loader needs.
type Compiler interface {
	Compile(ctx context.Context, sourceTS string, opts map[string]any) (compiledJS string, sourceMap string, diagnostics []plerr.Diagnostic, fingerprint string, err error)
}

// Store is the subset of engine/artifact.Store the loader needs.
type Store interface {
	Get(ctx context.Context, hash string) (*artifact.Artifact, error)
}

// Config tunes the Loader's cache (spec §4.3 defaults).
type Config struct {
	MaxEntries   int
	MaxBytes     int64
	TTL          time.Duration
	TrustedKeys  []ed25519.PublicKey // for pointer-stub sig verification
	RequireTrust bool                // not read by the Loader: an unsigned stub always loads, and a present sig always requires a matching trusted key
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 256
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 * 1024 * 1024
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	return c
}

type cacheEntry struct {
	program   *FunctionProgram
	size      int64
	createdAt time.Time
	// lruNode position in the eviction list, maintained by the loader's mu.
	prev, next *cacheEntry
	oid        int64
}

// Loader resolves FunctionProgram values and caches them, bounded by entry
// count, aggregate byte size, and TTL simultaneously (spec §4.3).
type Loader struct {
	reader   SourceReader
	compiler Compiler
	store    Store
	cfg      Config

	mu         sync.Mutex
	entries    map[int64]*cacheEntry
	totalBytes int64
	// head/tail form an intrusive doubly-linked LRU list; head is
	// most-recently-used, tail is least-recently-used.
	head, tail *cacheEntry
}

func New(reader SourceReader, compiler Compiler, store Store, cfg Config) *Loader {
	return &Loader{
		reader:   reader,
		compiler: compiler,
		store:    store,
		cfg:      cfg.withDefaults(),
		entries:  make(map[int64]*cacheEntry),
	}
}

// Load resolves the FunctionProgram for fn_oid (spec §4.3's `load`).
func (l *Loader) Load(ctx context.Context, oid int64) (*FunctionProgram, error) {
	if prog := l.lookup(oid); prog != nil {
		return prog, nil
	}

	body, schema, name, opts, err := l.reader.ReadFunctionSource(ctx, oid)
	if err != nil {
		return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "read function source")
	}
	identity := FunctionIdentity{OID: oid, Schema: schema, Name: name}

	var prog *FunctionProgram
	if stub, ok := tryParsePointerStub(body); ok {
		prog, err = l.hydrateFromPointer(ctx, identity, stub)
	} else {
		prog, err = l.compileInline(ctx, identity, body, opts)
	}
	if err != nil {
		return nil, err
	}

	l.store_(oid, prog)
	return prog, nil
}

// tryParsePointerStub recognizes the `{ plts: 1, kind: "artifact_ptr", ... }`
// envelope (spec §4.3). A body that is not a JSON object, or is a JSON
// object without that exact shape, is treated as inline source — not an
// error.
func tryParsePointerStub(body string) (pointerStub, bool) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return pointerStub{}, false
	}
	var stub pointerStub
	if err := json.Unmarshal(trimmed, &stub); err != nil {
		return pointerStub{}, false
	}
	if stub.PLTS != 1 || stub.Kind != stubKind || stub.ArtifactRef == "" {
		return pointerStub{}, false
	}
	return stub, true
}

func (l *Loader) hydrateFromPointer(ctx context.Context, id FunctionIdentity, stub pointerStub) (*FunctionProgram, error) {
	if stub.Sig != "" {
		if err := verifyPointerSig(stub, l.cfg.TrustedKeys); err != nil {
			return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "pointer stub signature verification failed")
		}
	}

	art, err := l.store.Get(ctx, stub.ArtifactRef)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, plerr.New(plerr.KindLoadError, plerr.StageLoad, "artifact %s not found", stub.ArtifactRef)
		}
		return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "fetch artifact %s", stub.ArtifactRef)
	}

	return &FunctionProgram{Identity: id, CompiledJS: art.CompiledJS, SourceMap: art.SourceMap}, nil
}

func (l *Loader) compileInline(ctx context.Context, id FunctionIdentity, sourceTS string, opts map[string]any) (*FunctionProgram, error) {
	js, sourceMap, diagnostics, _, err := l.compiler.Compile(ctx, sourceTS, opts)
	if err != nil {
		if perr, ok := plerr.As(err); ok {
			return nil, perr
		}
		return nil, plerr.New(plerr.KindCompileError, plerr.StageCompile, "compile failed").WithFunction(id.OID, id.Schema, id.Name)
	}
	_ = diagnostics // surfaced to the caller via the Compiler's own error path on failure; warnings are non-fatal
	return &FunctionProgram{Identity: id, CompiledJS: js, SourceMap: []byte(sourceMap)}, nil
}

// CanonicalPointerPayload is the exact byte sequence an ArtifactPointer's
// sig is computed over: canonical (sorted-key, no-whitespace) JSON of
// {artifact_hash, export}. Mirrors manifest.CanonicalPermissionsPayload's
// approach of hand-building deterministic JSON rather than relying on
// encoding/json's map-key ordering guarantee for a two-field struct, so the
// payload shape is pinned independently of Go's marshaling behavior.
func CanonicalPointerPayload(artifactHash, export string) ([]byte, error) {
	ah, err := json.Marshal(artifactHash)
	if err != nil {
		return nil, err
	}
	ex, err := json.Marshal(export)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"artifact_hash":`)
	buf.Write(ah)
	buf.WriteString(`,"export":`)
	buf.Write(ex)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SignPointer signs an ArtifactPointer's canonical payload with an Ed25519
// key, mirroring manifest.SignPermissions. Used by host tooling that
// produces signed pointer stubs; not called from the hot load path.
func SignPointer(artifactHash, export string, privateKey ed25519.PrivateKey) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", errors.New("invalid ed25519 private key size")
	}
	payload, err := CanonicalPointerPayload(artifactHash, export)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload)), nil
}

func verifyPointerSig(stub pointerStub, trustedKeys []ed25519.PublicKey) error {
	if len(trustedKeys) == 0 {
		return errors.New("pointer stub carries a signature but no trusted public keys are configured")
	}
	sig, err := base64.StdEncoding.DecodeString(stub.Sig)
	if err != nil {
		return fmt.Errorf("sig is not valid base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return errors.New("sig has invalid size")
	}
	payload, err := CanonicalPointerPayload(stub.ArtifactRef, stub.Export)
	if err != nil {
		return err
	}
	for _, key := range trustedKeys {
		if len(key) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(key, payload, sig) {
			return nil
		}
	}
	return errors.New("sig verification failed against all trusted keys")
}

// --- cache ---

func (l *Loader) lookup(oid int64) *FunctionProgram {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[oid]
	if !ok {
		return nil
	}
	if time.Since(e.createdAt) > l.cfg.TTL {
		l.evictLocked(e)
		return nil
	}
	if e.program.Identity.OID != oid {
		l.evictLocked(e)
		return nil
	}
	l.touchLocked(e)
	return e.program
}

func (l *Loader) store_(oid int64, prog *FunctionProgram) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.entries[oid]; ok {
		l.evictLocked(old)
	}

	size := int64(len(prog.CompiledJS)) + int64(len(prog.SourceMap))
	e := &cacheEntry{program: prog, size: size, createdAt: time.Now(), oid: oid}
	l.entries[oid] = e
	l.pushFrontLocked(e)
	l.totalBytes += size

	for (len(l.entries) > l.cfg.MaxEntries || l.totalBytes > l.cfg.MaxBytes) && l.tail != nil {
		l.evictLocked(l.tail)
	}
}

func (l *Loader) pushFrontLocked(e *cacheEntry) {
	e.prev, e.next = nil, l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *Loader) touchLocked(e *cacheEntry) {
	if l.head == e {
		return
	}
	l.unlinkLocked(e)
	l.pushFrontLocked(e)
}

func (l *Loader) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (l *Loader) evictLocked(e *cacheEntry) {
	l.unlinkLocked(e)
	delete(l.entries, e.oid)
	l.totalBytes -= e.size
}
