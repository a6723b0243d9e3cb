package dbbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLAuditSink appends one AuditRecord per line to an append-only file,
// same mutex-guarded *os.File/O_APPEND/0600 shape as engine/policy/audit.go's
// AuditLogger, adapted from session-scoped tool-call entries to per-call
// bridge dispatch entries (spec §4.5/§12).
type JSONLAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLAuditSink opens (creating if necessary) the audit file at path for
// appending.
func NewJSONLAuditSink(path string) (*JSONLAuditSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &JSONLAuditSink{file: file}, nil
}

// Record implements AuditSink. A marshal or write failure is swallowed
// after logging nothing further — the audit trail is a diagnostic
// side-channel, never allowed to fail the bridge call it is recording.
func (s *JSONLAuditSink) Record(rec AuditRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	_, _ = s.file.Write(data)
}

// Close closes the underlying file. Safe to call once, at backend shutdown.
func (s *JSONLAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
