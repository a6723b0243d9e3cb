// Package maintenance handles the backend's on-disk upkeep: rotating the
// audit log before it grows unbounded and sweeping stale rotated backups.
//
// Grounded on the teacher's engine/maintenance/cleanup.go (cutoff-by-
// ModTime sweep over a glob of audit-*.jsonl[.old] files), trimmed down to
// the one disk artifact PLTS actually owns — a single growing audit log —
// since PLTS has no session/snapshot directories to sweep.
package maintenance

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// CleanupResult reports what a sweep did.
type CleanupResult struct {
	DeletedBackups int
	Errors         []string
}

// RotateAuditLog renames path to path+".old" (replacing any prior
// rotation) if its size meets or exceeds maxBytes, so the caller can
// reopen a fresh file at path. A no-op if path doesn't exist or is
// smaller than maxBytes.
func RotateAuditLog(path string, maxBytes int64) (rotated bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size() < maxBytes {
		return false, nil
	}
	if err := os.Rename(path, path+".old"); err != nil {
		return false, fmt.Errorf("rotate audit log: %w", err)
	}
	return true, nil
}

// SweepStaleAuditBackups deletes rotated audit-log backups (path+".old"
// siblings in dir: every regular file whose name ends in .jsonl.old) whose
// ModTime is older than maxAge. Non-fatal per-file errors are collected in the result rather
// than aborting the sweep.
func SweepStaleAuditBackups(dir string, maxAge time.Duration) (CleanupResult, error) {
	result := CleanupResult{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("read %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl.old") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", entry.Name(), err))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := dir + string(os.PathSeparator) + entry.Name()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
			continue
		}
		result.DeletedBackups++
	}

	return result, nil
}
