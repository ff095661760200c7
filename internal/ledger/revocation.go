package ledger

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	tcerrors "github.com/systmms/trustchain/internal/errors"
)

// RevocationEntry records a retired key identifier. A key id appears at
// most once in the list; revocation is permanent.
type RevocationEntry struct {
	Seq       uint64    `json:"seq"`
	KeyID     string    `json:"key_id"`
	Slot      string    `json:"slot"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
}

// RevocationList is the append-only ledger of retired keys.
type RevocationList struct {
	path    string
	mu      sync.Mutex
	nextSeq uint64
	keys    map[string]struct{}
	loaded  bool
}

// OpenRevocationList opens (or prepares to create) the revocation list
// under stateDir.
func OpenRevocationList(stateDir string) *RevocationList {
	return &RevocationList{path: filepath.Join(stateDir, "revocations.log")}
}

// Path returns the location of the underlying log file.
func (l *RevocationList) Path() string {
	return l.path
}

func (l *RevocationList) load() error {
	if l.loaded {
		return nil
	}
	entries, err := readLines[RevocationEntry](l.path)
	if err != nil {
		return err
	}
	l.nextSeq = 1
	l.keys = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		l.keys[e.KeyID] = struct{}{}
		if e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
	}
	l.loaded = true
	return nil
}

// Append records a revocation. Appending the same key id twice is an
// error; the first entry stands.
func (l *RevocationList) Append(keyID, slot, reason string) (*RevocationEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(); err != nil {
		return nil, revocationWriteFailed(keyID, slot, err)
	}

	if _, dup := l.keys[keyID]; dup {
		return nil, fmt.Errorf("key %s is already revoked", keyID)
	}

	switch reason {
	case ReasonRotation, ReasonCompromise, ReasonEmergency:
	default:
		return nil, fmt.Errorf("invalid revocation reason %q", reason)
	}

	entry := RevocationEntry{
		Seq:       l.nextSeq,
		KeyID:     keyID,
		Slot:      slot,
		RevokedAt: time.Now().UTC(),
		Reason:    reason,
	}
	if err := appendLine(l.path, entry); err != nil {
		return nil, revocationWriteFailed(keyID, slot, err)
	}
	l.keys[keyID] = struct{}{}
	l.nextSeq++
	return &entry, nil
}

// Contains reports whether keyID has been revoked.
func (l *RevocationList) Contains(keyID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(); err != nil {
		return false, err
	}
	_, ok := l.keys[keyID]
	return ok, nil
}

// List returns revocation entries, oldest first.
func (l *RevocationList) List(filter Filter) ([]RevocationEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := readLines[RevocationEntry](l.path)
	if err != nil {
		return nil, err
	}

	var out []RevocationEntry
	for _, e := range entries {
		if filter.Slot != "" && e.Slot != filter.Slot {
			continue
		}
		if filter.SubjectKeyID != "" && e.KeyID != filter.SubjectKeyID {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func revocationWriteFailed(keyID, slot string, err error) error {
	return &tcerrors.LifecycleError{
		Kind:    tcerrors.KindAuditWriteFailed,
		Slot:    slot,
		KeyID:   keyID,
		Stage:   tcerrors.StageRevoke,
		Message: "revocation list append failed",
		Err:     err,
	}
}
