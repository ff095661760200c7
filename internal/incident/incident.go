// Package incident persists structured records of emergency rotations.
// Every emergency produces one report; a report stays open until an
// operator resolves it, which matters most when replacement-key generation
// failed and a slot is sitting with zero active keys.
package incident

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report statuses
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Report represents a single emergency rotation incident.
type Report struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Slot      string    `json:"slot"`
	Severity  string    `json:"severity"` // high, critical
	Reason    string    `json:"reason"`
	Operator  string    `json:"operator"`

	OldKeyID string `json:"old_key_id"`
	// NewKeyID is empty when replacement generation failed and the slot
	// was left without an active key.
	NewKeyID string `json:"new_key_id,omitempty"`

	Status          string     `json:"status"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// SlotUnoccupied reports whether the incident left its slot with no
// active key.
func (r *Report) SlotUnoccupied() bool {
	return r.NewKeyID == ""
}

// Manager handles incident creation and resolution.
type Manager struct {
	dir string
}

// NewManager creates an incident manager under stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{dir: filepath.Join(stateDir, "incidents")}
}

// Create writes a new open incident report.
func (m *Manager) Create(slot, oldKeyID, newKeyID, reason, operator string) (*Report, error) {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create incident directory: %w", err)
	}

	severity := "high"
	if newKeyID == "" {
		// No replacement key: the slot is unusable until an operator steps in.
		severity = "critical"
	}

	report := &Report{
		ID:        generateID(),
		Timestamp: time.Now().UTC(),
		Slot:      slot,
		Severity:  severity,
		Reason:    reason,
		Operator:  operator,
		OldKeyID:  oldKeyID,
		NewKeyID:  newKeyID,
		Status:    StatusOpen,
	}

	if err := m.save(report); err != nil {
		return nil, err
	}
	return report, nil
}

// Load loads an incident report by ID.
func (m *Manager) Load(id string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("incident not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read incident report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse incident report: %w", err)
	}
	return &report, nil
}

// List returns all incident reports, oldest first.
func (m *Manager) List() ([]*Report, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read incident directory: %w", err)
	}

	var reports []*Report
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		report, err := m.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // skip invalid reports
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Open returns all unresolved incidents.
func (m *Manager) Open() ([]*Report, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var open []*Report
	for _, report := range all {
		if report.Status != StatusResolved {
			open = append(open, report)
		}
	}
	return open, nil
}

// Resolve marks an incident as resolved.
func (m *Manager) Resolve(id, notes string) (*Report, error) {
	report, err := m.Load(id)
	if err != nil {
		return nil, err
	}
	if report.Status == StatusResolved {
		return nil, fmt.Errorf("incident %s is already resolved", id)
	}

	now := time.Now().UTC()
	report.Status = StatusResolved
	report.ResolvedAt = &now
	report.ResolutionNotes = notes

	if err := m.save(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (m *Manager) save(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal incident report: %w", err)
	}
	path := filepath.Join(m.dir, report.ID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write incident report: %w", err)
	}
	return nil
}

func generateID() string {
	return fmt.Sprintf("INC-%s-%s",
		time.Now().UTC().Format("20060102"),
		uuid.New().String()[:8])
}
