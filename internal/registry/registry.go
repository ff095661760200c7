// Package registry is the durable record of which key currently holds each
// slot of the trust chain. It owns the single synchronization point of the
// system: the compare-and-swap activation of a replacement key.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	tcerrors "github.com/systmms/trustchain/internal/errors"
)

// Registry stores key records as one JSON file per slot. A slot file holds
// the slot's full history; records transition status but are never removed.
type Registry struct {
	baseDir string
	mu      sync.RWMutex
}

// New creates a registry rooted under stateDir.
func New(stateDir string) *Registry {
	return &Registry{baseDir: filepath.Join(stateDir, "registry")}
}

type slotFile struct {
	Records []KeyRecord `json:"records"`
}

func (r *Registry) load(slot Slot) ([]KeyRecord, error) {
	path := filepath.Join(r.baseDir, string(slot)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry file for slot %s: %w", slot, err)
	}

	var f slotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt registry file for slot %s: %w", slot, err)
	}
	return f.Records, nil
}

// save writes the slot file via temp-file + rename so readers never observe
// a half-written registry.
func (r *Registry) save(slot Slot, records []KeyRecord) error {
	if err := os.MkdirAll(r.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	data, err := json.MarshalIndent(slotFile{Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry file: %w", err)
	}

	path := filepath.Join(r.baseDir, string(slot)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

func findActive(records []KeyRecord) *KeyRecord {
	for i := range records {
		if records[i].Status == StatusActive {
			return &records[i]
		}
	}
	return nil
}

// GetActive returns the active record for a slot, or a NoActiveKey error.
func (r *Registry) GetActive(slot Slot) (*KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records, err := r.load(slot)
	if err != nil {
		return nil, err
	}
	if active := findActive(records); active != nil {
		rec := *active
		return &rec, nil
	}
	return nil, &tcerrors.LifecycleError{
		Kind:    tcerrors.KindNoActiveKey,
		Slot:    string(slot),
		Stage:   tcerrors.StageLocate,
		Message: "slot has no active key",
	}
}

// Get returns the record for a key id, searching all slots.
func (r *Registry) Get(keyID string) (*KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(keyID)
}

func (r *Registry) getLocked(keyID string) (*KeyRecord, error) {
	for _, slot := range Slots() {
		records, err := r.load(slot)
		if err != nil {
			return nil, err
		}
		for i := range records {
			if records[i].KeyID == keyID {
				rec := records[i]
				return &rec, nil
			}
		}
	}
	return nil, fmt.Errorf("key %s not found in registry", keyID)
}

// Records returns the full history for a slot, in registration order.
func (r *Registry) Records(slot Slot) ([]KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.load(slot)
}

// List returns the full history for every slot.
func (r *Registry) List() (map[Slot][]KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Slot][]KeyRecord, len(Slots()))
	for _, slot := range Slots() {
		records, err := r.load(slot)
		if err != nil {
			return nil, err
		}
		out[slot] = records
	}
	return out, nil
}

// SetActive atomically retires the expected current key and registers the
// replacement as active. expectedCurrentID names the key the caller believes
// holds the slot; an empty string means the slot must be empty (bootstrap,
// or re-activation after an emergency revocation). A mismatch means the
// caller lost a race and must restart from a fresh read.
func (r *Registry) SetActive(slot Slot, expectedCurrentID string, newRec KeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load(slot)
	if err != nil {
		return err
	}
	cur := findActive(records)

	switch {
	case expectedCurrentID == "" && cur != nil:
		return conflict(slot, fmt.Sprintf("expected no active key, found %s", cur.KeyID))
	case expectedCurrentID != "" && cur == nil:
		return conflict(slot, fmt.Sprintf("expected active key %s, found none", expectedCurrentID))
	case expectedCurrentID != "" && cur.KeyID != expectedCurrentID:
		return conflict(slot, fmt.Sprintf("expected active key %s, found %s", expectedCurrentID, cur.KeyID))
	}

	for i := range records {
		if records[i].KeyID == newRec.KeyID {
			return fmt.Errorf("key %s is already registered in slot %s", newRec.KeyID, slot)
		}
	}

	// A key must not be issued under an already-revoked parent.
	if newRec.ParentKeyID != "" {
		parent, err := r.getLocked(newRec.ParentKeyID)
		if err != nil {
			return fmt.Errorf("parent key of %s: %w", newRec.KeyID, err)
		}
		if parent.Status == StatusRevoked {
			return fmt.Errorf("parent key %s is revoked; cannot register %s under it", parent.KeyID, newRec.KeyID)
		}
	}

	if cur != nil {
		cur.Status = StatusRetiring
	}
	newRec.Slot = slot
	newRec.Status = StatusActive
	records = append(records, newRec)

	return r.save(slot, records)
}

// MarkRevoked permanently retires a key record. Used after the revocation
// list append during rotation, and before replacement generation during an
// emergency rotation (which revokes the active key directly).
func (r *Registry) MarkRevoked(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, slot := range Slots() {
		records, err := r.load(slot)
		if err != nil {
			return err
		}
		for i := range records {
			if records[i].KeyID != keyID {
				continue
			}
			if records[i].Status == StatusRevoked {
				return fmt.Errorf("key %s is already revoked", keyID)
			}
			records[i].Status = StatusRevoked
			return r.save(slot, records)
		}
	}
	return fmt.Errorf("key %s not found in registry", keyID)
}

// Rollback undoes a SetActive whose audit write failed: the new record is
// marked revoked (never deleted) and the previous record becomes active
// again. previousID may be empty for a bootstrap rollback.
func (r *Registry) Rollback(slot Slot, newKeyID, previousID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load(slot)
	if err != nil {
		return err
	}

	var newRec, prevRec *KeyRecord
	for i := range records {
		switch records[i].KeyID {
		case newKeyID:
			newRec = &records[i]
		case previousID:
			prevRec = &records[i]
		}
	}
	if newRec == nil {
		return fmt.Errorf("key %s not found in slot %s", newKeyID, slot)
	}
	if previousID != "" && prevRec == nil {
		return fmt.Errorf("key %s not found in slot %s", previousID, slot)
	}

	newRec.Status = StatusRevoked
	if prevRec != nil {
		prevRec.Status = StatusActive
	}
	return r.save(slot, records)
}

func conflict(slot Slot, msg string) error {
	return &tcerrors.LifecycleError{
		Kind:    tcerrors.KindConflictingUpdate,
		Slot:    string(slot),
		Stage:   tcerrors.StageActivate,
		Message: msg,
	}
}
