package registry

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/systmms/trustchain/internal/ledger"
)

// Replay re-derives the registry contents from the audit log. The audit
// trail records every generation, activation, revocation, and rollback, so
// the result must match the on-disk registry exactly; Verify reports where
// it does not. This is the consistency check behind the verify command.
func Replay(audit []ledger.AuditEntry) (map[Slot][]KeyRecord, error) {
	sort.Slice(audit, func(i, j int) bool { return audit[i].Seq < audit[j].Seq })

	pending := make(map[string]KeyRecord)
	records := make(map[Slot][]KeyRecord)

	find := func(keyID string) *KeyRecord {
		for slot := range records {
			for i := range records[slot] {
				if records[slot][i].KeyID == keyID {
					return &records[slot][i]
				}
			}
		}
		return nil
	}

	for _, e := range audit {
		switch e.Action {
		case ledger.ActionKeyCreated:
			createdAt, err := time.Parse(time.RFC3339Nano, e.Details["created_at"])
			if err != nil {
				return nil, fmt.Errorf("audit seq %d: bad created_at: %w", e.Seq, err)
			}
			bits, _ := strconv.Atoi(e.Details["bits"])
			pending[e.SubjectKeyID] = KeyRecord{
				Slot:        Slot(e.Slot),
				KeyID:       e.SubjectKeyID,
				ParentKeyID: e.Details["parent_key_id"],
				Algorithm:   e.Details["algorithm"],
				Bits:        bits,
				CreatedAt:   createdAt,
			}

		case ledger.ActionKeyActivated:
			rec, ok := pending[e.SubjectKeyID]
			if !ok {
				return nil, fmt.Errorf("audit seq %d: key %s activated without a creation entry", e.Seq, e.SubjectKeyID)
			}
			delete(pending, e.SubjectKeyID)
			if oldID := e.Details["old_key_id"]; oldID != "" {
				old := find(oldID)
				if old == nil {
					return nil, fmt.Errorf("audit seq %d: retiring key %s is unknown", e.Seq, oldID)
				}
				old.Status = StatusRetiring
			}
			rec.Status = StatusActive
			records[rec.Slot] = append(records[rec.Slot], rec)

		case ledger.ActionKeyRevoked:
			rec := find(e.SubjectKeyID)
			if rec == nil {
				return nil, fmt.Errorf("audit seq %d: revoked key %s is unknown", e.Seq, e.SubjectKeyID)
			}
			rec.Status = StatusRevoked

		case ledger.ActionRotationRolledBack:
			// The replacement entered the registry but its activation was
			// never durably audited. It stays in history as revoked and the
			// previous key holds the slot again.
			rec, ok := pending[e.SubjectKeyID]
			if ok {
				delete(pending, e.SubjectKeyID)
				rec.Status = StatusRevoked
				records[rec.Slot] = append(records[rec.Slot], rec)
			} else if existing := find(e.SubjectKeyID); existing != nil {
				existing.Status = StatusRevoked
			}
			if prevID := e.Details["previous_key_id"]; prevID != "" {
				if prev := find(prevID); prev != nil {
					prev.Status = StatusActive
				}
			}
		}
	}

	return records, nil
}

// Verify replays the audit log and cross-checks it against the on-disk
// registry and the revocation list. It returns human-readable divergences;
// an empty slice means the stores agree.
func (r *Registry) Verify(audit []ledger.AuditEntry, revocations []ledger.RevocationEntry) ([]string, error) {
	replayed, err := Replay(audit)
	if err != nil {
		return nil, err
	}

	stored, err := r.List()
	if err != nil {
		return nil, err
	}

	revoked := make(map[string]struct{}, len(revocations))
	for _, e := range revocations {
		revoked[e.KeyID] = struct{}{}
	}

	var divergences []string

	for _, slot := range Slots() {
		want := indexRecords(replayed[slot])
		got := indexRecords(stored[slot])

		for keyID, wantRec := range want {
			gotRec, ok := got[keyID]
			if !ok {
				divergences = append(divergences,
					fmt.Sprintf("slot %s: key %s present in audit log but missing from registry", slot, keyID))
				continue
			}
			if gotRec.Status != wantRec.Status {
				divergences = append(divergences,
					fmt.Sprintf("slot %s: key %s has status %s in registry, %s per audit log", slot, keyID, gotRec.Status, wantRec.Status))
			}
			if gotRec.ParentKeyID != wantRec.ParentKeyID {
				divergences = append(divergences,
					fmt.Sprintf("slot %s: key %s has parent %q in registry, %q per audit log", slot, keyID, gotRec.ParentKeyID, wantRec.ParentKeyID))
			}
		}
		for keyID := range got {
			if _, ok := want[keyID]; !ok {
				divergences = append(divergences,
					fmt.Sprintf("slot %s: key %s present in registry but absent from audit log", slot, keyID))
			}
		}

		// Every revoked record must be on the revocation list, except
		// rolled-back replacements, which never held the slot.
		for keyID, gotRec := range got {
			if gotRec.Status != StatusRevoked {
				continue
			}
			if _, ok := revoked[keyID]; ok {
				continue
			}
			if wantRec, ok := want[keyID]; ok && wantRec.Status == StatusRevoked && wasRolledBack(audit, keyID) {
				continue
			}
			divergences = append(divergences,
				fmt.Sprintf("slot %s: key %s is revoked in registry but missing from the revocation list", slot, keyID))
		}
	}

	return divergences, nil
}

func indexRecords(records []KeyRecord) map[string]KeyRecord {
	out := make(map[string]KeyRecord, len(records))
	for _, rec := range records {
		out[rec.KeyID] = rec
	}
	return out
}

func wasRolledBack(audit []ledger.AuditEntry, keyID string) bool {
	for _, e := range audit {
		if e.Action == ledger.ActionRotationRolledBack && e.SubjectKeyID == keyID {
			return true
		}
	}
	return false
}
