package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	tcerrors "github.com/systmms/trustchain/internal/errors"
)

// AuditEntry records a single lifecycle action. Entries are totally ordered
// by sequence number; the timestamp is informational and always UTC.
type AuditEntry struct {
	Seq          uint64            `json:"seq"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	Slot         string            `json:"slot,omitempty"`
	SubjectKeyID string            `json:"subject_key_id,omitempty"`
	Severity     string            `json:"severity"`
	Details      map[string]string `json:"details,omitempty"`
}

// AuditLog is an append-only JSON-lines file. Appends are serialized and
// fsynced before they return; a failed append surfaces as AuditWriteFailed
// so the pipeline can roll back unaudited state changes.
type AuditLog struct {
	path    string
	mu      sync.Mutex
	nextSeq uint64
	loaded  bool
}

// OpenAuditLog opens (or prepares to create) the audit log under stateDir.
func OpenAuditLog(stateDir string) *AuditLog {
	return &AuditLog{path: filepath.Join(stateDir, "audit.log")}
}

// Path returns the location of the underlying log file.
func (l *AuditLog) Path() string {
	return l.path
}

func (l *AuditLog) load() error {
	if l.loaded {
		return nil
	}
	entries, err := readLines[AuditEntry](l.path)
	if err != nil {
		return err
	}
	l.nextSeq = 1
	if n := len(entries); n > 0 {
		l.nextSeq = entries[n-1].Seq + 1
	}
	l.loaded = true
	return nil
}

// Append assigns the next sequence number and durably writes the entry.
// The entry is mutated in place with its assigned Seq and Timestamp.
func (l *AuditLog) Append(entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(); err != nil {
		return auditWriteFailed(entry, err)
	}

	entry.Seq = l.nextSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	if err := appendLine(l.path, entry); err != nil {
		return auditWriteFailed(entry, err)
	}
	l.nextSeq++
	return nil
}

// List returns entries matching the filter, oldest first.
func (l *AuditLog) List(filter Filter) ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := readLines[AuditEntry](l.path)
	if err != nil {
		return nil, err
	}

	var out []AuditEntry
	for _, e := range entries {
		if filter.Slot != "" && e.Slot != filter.Slot {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.SubjectKeyID != "" && e.SubjectKeyID != filter.SubjectKeyID {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func auditWriteFailed(entry *AuditEntry, err error) error {
	return &tcerrors.LifecycleError{
		Kind:    tcerrors.KindAuditWriteFailed,
		Slot:    entry.Slot,
		KeyID:   entry.SubjectKeyID,
		Stage:   tcerrors.StageAudit,
		Message: fmt.Sprintf("audit append for action %q failed", entry.Action),
		Err:     err,
	}
}

// appendLine writes one JSON line and fsyncs before returning. The file is
// only ever opened O_APPEND; nothing in this package rewrites it.
func appendLine(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry in %s: %w", path, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return out, nil
}
