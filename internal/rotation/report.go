package rotation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Summary is the structured compliance record written after every
// completed rotation or emergency action. It lives alongside the audit
// log but is for human review, not replay.
type Summary struct {
	Kind        string    `json:"kind"` // rotation, emergency, bootstrap
	Slot        string    `json:"slot"`
	OldKeyID    string    `json:"old_key_id,omitempty"`
	NewKeyID    string    `json:"new_key_id"`
	Reason      string    `json:"reason,omitempty"`
	Operator    string    `json:"operator"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ReportWriter persists rotation summaries under <stateDir>/reports.
type ReportWriter struct {
	dir string
}

// NewReportWriter creates a report writer under stateDir.
func NewReportWriter(stateDir string) *ReportWriter {
	return &ReportWriter{dir: filepath.Join(stateDir, "reports")}
}

// Write persists one summary record.
func (w *ReportWriter) Write(s *Summary) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.json", s.CompletedAt.UTC().Format("20060102-150405"), s.Slot, s.Kind)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rotation summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0600); err != nil {
		return fmt.Errorf("failed to write rotation summary: %w", err)
	}
	return nil
}

// List returns all summaries, oldest first.
func (w *ReportWriter) List() ([]Summary, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, entry.Name()))
		if err != nil {
			continue
		}
		var s Summary
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CompletedAt.Before(summaries[j].CompletedAt)
	})
	return summaries, nil
}
