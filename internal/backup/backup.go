// Package backup captures recoverable snapshots of key metadata and public
// material before any destructive lifecycle action. A rotation is never
// allowed to proceed without one.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	tcerrors "github.com/systmms/trustchain/internal/errors"
	"github.com/systmms/trustchain/internal/keystore"
	"github.com/systmms/trustchain/internal/registry"
)

// Backup reasons
const (
	ReasonRotation  = "rotation"
	ReasonEmergency = "emergency"
)

// Record is the durable index entry for one snapshot.
type Record struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	Slot      string    `json:"slot"`
	Reason    string    `json:"reason"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// snapshot is what actually lands on disk: the registry record plus the
// exported public material. Private material never reaches this package.
type snapshot struct {
	Record    Record             `json:"record"`
	Key       registry.KeyRecord `json:"key"`
	PublicPEM string             `json:"public_pem"`
}

// Manager writes snapshots under <stateDir>/backups.
type Manager struct {
	baseDir  string
	keystore keystore.KeyStore
	mu       sync.Mutex
}

// NewManager creates a backup manager using the given keystore to export
// public material.
func NewManager(stateDir string, ks keystore.KeyStore) *Manager {
	return &Manager{
		baseDir:  filepath.Join(stateDir, "backups"),
		keystore: ks,
	}
}

// backupID derives a deterministic identifier from key id and reason, so a
// retried pipeline finds its existing snapshot instead of creating a
// duplicate.
func backupID(keyID, reason string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("trustchain:backup:"+keyID+":"+reason)).String()
}

// Backup snapshots a key's metadata and public material. Idempotent: a
// second call with the same key id and reason returns the existing record.
// An unwritable target surfaces as BackupUnavailable and blocks rotation.
func (m *Manager) Backup(ctx context.Context, rec *registry.KeyRecord, reason string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := backupID(rec.KeyID, reason)
	location := filepath.Join(m.baseDir, id+".json")

	if existing, err := m.read(location); err == nil {
		return &existing.Record, nil
	} else if !os.IsNotExist(err) {
		return nil, unavailable(rec, fmt.Sprintf("cannot read existing backup %s", id), err)
	}

	pub, err := m.keystore.ExportPublic(ctx, rec.KeyID)
	if err != nil {
		return nil, unavailable(rec, "failed to export public material", err)
	}

	snap := snapshot{
		Record: Record{
			ID:        id,
			KeyID:     rec.KeyID,
			Slot:      string(rec.Slot),
			Reason:    reason,
			Location:  location,
			CreatedAt: time.Now().UTC(),
		},
		Key:       *rec,
		PublicPEM: string(pub),
	}

	if err := os.MkdirAll(m.baseDir, 0700); err != nil {
		return nil, unavailable(rec, "backup directory is not writable", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, unavailable(rec, "failed to marshal snapshot", err)
	}
	if err := os.WriteFile(location, data, 0600); err != nil {
		return nil, unavailable(rec, "backup location is not writable", err)
	}

	out := snap.Record
	return &out, nil
}

// Index lists all backup records, oldest first.
func (m *Manager) Index() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		snap, err := m.read(filepath.Join(m.baseDir, entry.Name()))
		if err != nil {
			continue // skip unreadable snapshots
		}
		records = append(records, snap.Record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Find returns the backup record for a key id and reason, if one exists.
func (m *Manager) Find(keyID, reason string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.read(filepath.Join(m.baseDir, backupID(keyID, reason)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no backup found for key %s (reason %s)", keyID, reason)
		}
		return nil, err
	}
	return &snap.Record, nil
}

func (m *Manager) read(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt backup snapshot %s: %w", path, err)
	}
	return &snap, nil
}

func unavailable(rec *registry.KeyRecord, msg string, err error) error {
	return &tcerrors.LifecycleError{
		Kind:    tcerrors.KindBackupUnavailable,
		Slot:    string(rec.Slot),
		KeyID:   rec.KeyID,
		Stage:   tcerrors.StageBackup,
		Message: msg,
		Err:     err,
	}
}
