// Package artifact implements the content-addressed Artifact Store (spec
// §4.1): a table mapping a deterministic hash to compiled JS plus the
// options and fingerprint that produced it.
//
// Grounded on engine/vfs/vfs.go's content-addressed blob idea (SHA-256 hex
// keys, atomic writes, "never mutated") and on oriys-nova/internal/db/db.go's
// abstract Executor interface, which lets the store run either against a
// pool or against the pgx.Tx of the host transaction that is invoking a
// handler.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"plts/engine/plerr"
)

// Executor is the minimal surface the store needs from a connection, a pool,
// or a transaction — never a concrete *pgxpool.Pool, so compile_and_store can
// run either inside or outside the host's transaction. Both pgx.Tx and
// *pgxpool.Pool satisfy this directly.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Artifact is the immutable content-addressed record (spec §3).
type Artifact struct {
	Hash        string
	SourceTS    string
	CompiledJS  string
	CompilerOpts map[string]any
	Fingerprint string
	CreatedAt   time.Time
	SourceMap   []byte
	Diagnostics []plerr.Diagnostic
}

var ErrNotFound = errors.New("artifact: not found")

// Compiler is the narrow dependency compile_and_store needs; satisfied by
// engine/compiler.Compiler.
type Compiler interface {
	Compile(ctx context.Context, sourceTS string, opts map[string]any) (compiledJS string, sourceMap string, diagnostics []plerr.Diagnostic, fingerprint string, err error)
}

// Store is the Artifact Store.
type Store struct {
	db Executor
}

func New(db Executor) *Store {
	return &Store{db: db}
}

// CanonicalOpts renders compiler_opts with lexicographically ordered keys
// and stable number formatting, per spec §4.1 invariant (i). This is the
// exact byte sequence that is hashed, so the same opts in any key order or
// whitespace variant must serialize identically.
func CanonicalOpts(opts map[string]any) ([]byte, error) {
	return canonicalJSON(opts)
}

func canonicalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, e := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// Hash computes artifact_hash = sha256(fingerprint || canonical_opts || source),
// lowercase hex, per spec §3.
func Hash(fingerprint string, canonicalOpts []byte, sourceTS string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write(canonicalOpts)
	h.Write([]byte(sourceTS))
	return hex.EncodeToString(h.Sum(nil))
}

// Upsert computes the hash and inserts if absent. Returning an existing hash
// is correct — this operation is idempotent (spec §4.1).
func (s *Store) Upsert(ctx context.Context, sourceTS, compiledJS string, opts map[string]any, fingerprint string, sourceMap []byte, diagnostics []plerr.Diagnostic) (string, error) {
	canon, err := CanonicalOpts(opts)
	if err != nil {
		return "", plerr.Wrap(plerr.KindLoadError, plerr.StageCompile, err, "canonicalize compiler_opts")
	}
	hash := Hash(fingerprint, canon, sourceTS)

	diagJSON, err := json.Marshal(diagnostics)
	if err != nil {
		return "", plerr.Wrap(plerr.KindLoadError, plerr.StageCompile, err, "marshal diagnostics")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO plts_artifact
			(artifact_hash, source_ts, compiled_js, compiler_opts, compiler_fingerprint, created_at, source_map, diagnostics)
		VALUES ($1, $2, $3, $4, $5, now(), $6, $7)
		ON CONFLICT (artifact_hash) DO NOTHING`,
		hash, sourceTS, compiledJS, canon, fingerprint, sourceMap, diagJSON)
	if err != nil {
		return "", plerr.Wrap(plerr.KindLoadError, plerr.StageCompile, err, "upsert artifact %s", hash)
	}
	return hash, nil
}

// Get fetches an artifact by hash. Fails with ErrNotFound (wrapped as a
// LoadError) if absent.
func (s *Store) Get(ctx context.Context, hash string) (*Artifact, error) {
	row := s.db.QueryRow(ctx, `
		SELECT artifact_hash, source_ts, compiled_js, compiler_opts, compiler_fingerprint, created_at, source_map, diagnostics
		FROM plts_artifact WHERE artifact_hash = $1`, hash)

	var a Artifact
	var optsRaw, diagRaw []byte
	if err := row.Scan(&a.Hash, &a.SourceTS, &a.CompiledJS, &optsRaw, &a.Fingerprint, &a.CreatedAt, &a.SourceMap, &diagRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, ErrNotFound, "artifact %s", hash)
		}
		return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "get artifact %s", hash)
	}
	if len(optsRaw) > 0 {
		if err := json.Unmarshal(optsRaw, &a.CompilerOpts); err != nil {
			return nil, plerr.Wrap(plerr.KindLoadError, plerr.StageLoad, err, "decode compiler_opts for %s", hash)
		}
	}
	if len(diagRaw) > 0 {
		_ = json.Unmarshal(diagRaw, &a.Diagnostics)
	}
	return &a, nil
}

// CompileAndStore delegates to a Compiler, then upserts the result (spec
// §4.1's compile_and_store).
func (s *Store) CompileAndStore(ctx context.Context, compiler Compiler, sourceTS string, opts map[string]any) (string, error) {
	compiledJS, sourceMap, diagnostics, fingerprint, err := compiler.Compile(ctx, sourceTS, opts)
	if err != nil {
		return "", err
	}
	var sourceMapBytes []byte
	if sourceMap != "" {
		sourceMapBytes = []byte(sourceMap)
	}
	return s.Upsert(ctx, sourceTS, compiledJS, opts, fingerprint, sourceMapBytes, diagnostics)
}

// DDL is the table definition an external migration collaborator would run;
// the core never issues DDL itself (catalog DDL is explicitly out of scope,
// spec §1), but the shape is pinned here so Store's SQL above stays honest.
const DDL = `
CREATE TABLE IF NOT EXISTS plts_artifact (
	artifact_hash        text PRIMARY KEY,
	source_ts            text NOT NULL,
	compiled_js          text NOT NULL,
	compiler_opts        jsonb NOT NULL,
	compiler_fingerprint text NOT NULL,
	created_at           timestamptz NOT NULL,
	source_map           bytea,
	diagnostics          jsonb
)`
