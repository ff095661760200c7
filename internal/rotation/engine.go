// Package rotation implements the policy engine driving the key lifecycle:
// age evaluation, the rotate pipeline, and emergency rotation with
// immediate revocation. All durable state lives in the registry, the two
// ledgers, the backup index, and the keystore; the engine only sequences
// them.
package rotation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/systmms/trustchain/internal/backup"
	"github.com/systmms/trustchain/internal/config"
	tcerrors "github.com/systmms/trustchain/internal/errors"
	"github.com/systmms/trustchain/internal/incident"
	"github.com/systmms/trustchain/internal/keystore"
	"github.com/systmms/trustchain/internal/ledger"
	"github.com/systmms/trustchain/internal/logging"
	"github.com/systmms/trustchain/internal/registry"
)

// Pipeline kinds, used in metrics, reports, and audit details.
const (
	kindRotation  = "rotation"
	kindEmergency = "emergency"
	kindBootstrap = "bootstrap"
)

// Engine sequences the rotate / emergency-rotate / bootstrap pipelines.
type Engine struct {
	registry    *registry.Registry
	keystore    keystore.KeyStore
	backups     *backup.Manager
	audit       *ledger.AuditLog
	revocations *ledger.RevocationList
	incidents   *incident.Manager
	reports     *ReportWriter
	metrics     *Metrics
	def         *config.Definition
	logger      *logging.Logger

	timeout time.Duration
	actor   string
	now     func() time.Time
}

// NewEngine wires an engine from its collaborators. The definition supplies
// per-slot policy, key parameters, the operator identity, and the bounded
// timeout applied to keystore and backup calls.
func NewEngine(
	def *config.Definition,
	reg *registry.Registry,
	ks keystore.KeyStore,
	backups *backup.Manager,
	audit *ledger.AuditLog,
	revocations *ledger.RevocationList,
	incidents *incident.Manager,
	reports *ReportWriter,
	logger *logging.Logger,
) *Engine {
	return &Engine{
		registry:    reg,
		keystore:    ks,
		backups:     backups,
		audit:       audit,
		revocations: revocations,
		incidents:   incidents,
		reports:     reports,
		metrics:     NewMetrics(),
		def:         def,
		logger:      logger,
		timeout:     def.KeyStore.Timeout(),
		actor:       def.Actor,
		now:         time.Now,
	}
}

// SetClock overrides the engine's time source (used in tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Due is the result of evaluating one slot against its rotation policy.
type Due struct {
	Slot       registry.Slot `json:"slot"`
	KeyID      string        `json:"key_id,omitempty"`
	AgeDays    int           `json:"age_days"`
	MaxAgeDays int           `json:"max_age_days"`
	Due        bool          `json:"due"`
	// Missing means the slot has no active key at all, which counts as
	// overdue: a missing key is a worse state than an old one.
	Missing bool `json:"missing,omitempty"`
}

// Evaluate reports whether a slot's active key is due for rotation.
// It never mutates state.
func (e *Engine) Evaluate(slot registry.Slot) (*Due, error) {
	policy := e.def.SlotFor(slot)
	due := &Due{Slot: slot, MaxAgeDays: policy.MaxAgeDays}

	rec, err := e.registry.GetActive(slot)
	if err != nil {
		if tcerrors.IsKind(err, tcerrors.KindNoActiveKey) {
			due.Missing = true
			due.Due = true
			return due, nil
		}
		return nil, err
	}

	due.KeyID = rec.KeyID
	due.AgeDays = int(e.now().Sub(rec.CreatedAt).Hours() / 24)
	due.Due = due.AgeDays >= policy.MaxAgeDays
	return due, nil
}

// CheckAll evaluates every slot. Read-only; this is the dry-run entry point.
func (e *Engine) CheckAll() ([]Due, error) {
	out := make([]Due, 0, len(registry.Slots()))
	for _, slot := range registry.Slots() {
		due, err := e.Evaluate(slot)
		if err != nil {
			return nil, err
		}
		out = append(out, *due)
	}
	return out, nil
}

// Rotate replaces the active key of a slot with a freshly generated one
// certified by the current parent key, in strict order: backup, generate,
// swap, revoke, audit. On any failure before the swap the outgoing key
// stays active and usable. An empty slot with a complete parent chain is
// bootstrapped instead.
func (e *Engine) Rotate(ctx context.Context, slot registry.Slot) (string, error) {
	started := e.now()
	e.metrics.RecordStarted(string(slot), kindRotation)

	cur, err := e.registry.GetActive(slot)
	if err != nil {
		if tcerrors.IsKind(err, tcerrors.KindNoActiveKey) {
			return e.bootstrap(ctx, slot, started)
		}
		return "", err
	}

	fail := func(err error) (string, error) {
		e.metrics.RecordCompleted(string(slot), kindRotation, "failure", e.now().Sub(started).Seconds())
		return "", err
	}

	// Step 2: backup before anything destructive.
	backupRec, err := e.backupKey(ctx, cur, backup.ReasonRotation)
	if err != nil {
		return fail(err)
	}
	if err := e.auditBackup(slot, cur.KeyID, backupRec); err != nil {
		return fail(err)
	}

	// Step 3: mint the replacement under the *current* parent, so it is
	// valid in the existing trust chain before the old key retires.
	parentID, err := e.parentKeyID(slot)
	if err != nil {
		return fail(err)
	}
	newRec, err := e.generate(ctx, slot, parentID)
	if err != nil {
		e.logger.Info("slot %s: key %s remains active", slot, cur.KeyID)
		return fail(err)
	}
	if err := e.auditCreated(newRec); err != nil {
		e.discardOrphan(newRec.KeyID)
		return fail(err)
	}

	// Step 4: the atomic swap. Losing the race means a concurrent rotation
	// won; the caller restarts from a fresh read.
	if err := e.registry.SetActive(slot, cur.KeyID, *newRec); err != nil {
		e.discardOrphan(newRec.KeyID)
		return fail(err)
	}
	if err := e.auditActivated(newRec, cur.KeyID); err != nil {
		// The swap happened but was never durably audited: undo it.
		e.rollbackSwap(slot, newRec.KeyID, cur.KeyID)
		return fail(err)
	}

	// Step 5: revoke the outgoing key.
	if err := e.revoke(cur.KeyID, slot, ledger.ReasonRotation, ledger.SeverityInfo); err != nil {
		e.logger.Warn("slot %s: key %s left in retiring state; resolve manually and re-run verify", slot, cur.KeyID)
		return fail(err)
	}

	// Step 6: the completion record. Every prior state change is already
	// individually audited, so a failure here cannot leave unaudited state.
	if err := e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionRotationCompleted,
		Slot:         string(slot),
		SubjectKeyID: newRec.KeyID,
		Details:      map[string]string{"old_key_id": cur.KeyID, "new_key_id": newRec.KeyID},
	}); err != nil {
		return fail(err)
	}

	e.writeSummary(&Summary{
		Kind:        kindRotation,
		Slot:        string(slot),
		OldKeyID:    cur.KeyID,
		NewKeyID:    newRec.KeyID,
		Operator:    e.actor,
		StartedAt:   started.UTC(),
		CompletedAt: e.now().UTC(),
	})
	e.metrics.RecordCompleted(string(slot), kindRotation, "success", e.now().Sub(started).Seconds())
	e.logger.Info("rotated slot %s: %s -> %s", slot, cur.KeyID, newRec.KeyID)
	return newRec.KeyID, nil
}

// EmergencyRotate revokes the slot's key before its replacement is
// confirmed: removing trust in a compromised key takes priority over
// continuity. Between revocation and activation the slot has zero active
// keys, which is an expected, alarmed state. reason must be "compromise"
// or "emergency".
func (e *Engine) EmergencyRotate(ctx context.Context, slot registry.Slot, reason string) (string, error) {
	switch reason {
	case ledger.ReasonCompromise, ledger.ReasonEmergency:
	default:
		return "", tcerrors.UserError{
			Message:    fmt.Sprintf("Invalid emergency reason: %s", reason),
			Suggestion: "Valid reasons are: compromise, emergency",
		}
	}

	started := e.now()
	e.metrics.RecordStarted(string(slot), kindEmergency)

	fail := func(err error) (string, error) {
		e.metrics.RecordCompleted(string(slot), kindEmergency, "failure", e.now().Sub(started).Seconds())
		return "", err
	}

	cur, err := e.registry.GetActive(slot)
	if err != nil {
		return fail(err)
	}

	if err := e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionEmergencyStarted,
		Slot:         string(slot),
		SubjectKeyID: cur.KeyID,
		Severity:     ledger.SeverityHigh,
		Details:      map[string]string{"reason": reason},
	}); err != nil {
		return fail(err)
	}

	backupRec, err := e.backupKey(ctx, cur, backup.ReasonEmergency)
	if err != nil {
		return fail(err)
	}
	if err := e.auditBackup(slot, cur.KeyID, backupRec); err != nil {
		return fail(err)
	}

	// Revoke first. From here until activation the slot is unoccupied.
	if err := e.revoke(cur.KeyID, slot, reason, ledger.SeverityHigh); err != nil {
		return fail(err)
	}
	e.metrics.SetSlotUnoccupied(string(slot), true)
	e.logger.Alarm("slot %s has no active key while the replacement is generated", slot)

	parentID, err := e.parentKeyID(slot)
	if err != nil {
		e.openIncident(slot, cur.KeyID, "", reason)
		return fail(err)
	}
	newRec, err := e.generate(ctx, slot, parentID)
	if err != nil {
		// The old key is revoked and no replacement exists. Leave the slot
		// in its alarmed state for the operator; never re-trust the old key.
		e.openIncident(slot, cur.KeyID, "", reason)
		e.logger.Alarm("slot %s is left without an active key; see open incidents", slot)
		return fail(err)
	}
	if err := e.auditCreated(newRec); err != nil {
		e.discardOrphan(newRec.KeyID)
		e.openIncident(slot, cur.KeyID, "", reason)
		return fail(err)
	}

	if err := e.registry.SetActive(slot, "", *newRec); err != nil {
		e.discardOrphan(newRec.KeyID)
		return fail(err)
	}
	if err := e.auditActivated(newRec, ""); err != nil {
		e.rollbackSwap(slot, newRec.KeyID, "")
		e.openIncident(slot, cur.KeyID, "", reason)
		return fail(err)
	}
	e.metrics.SetSlotUnoccupied(string(slot), false)

	report := e.openIncident(slot, cur.KeyID, newRec.KeyID, reason)

	if err := e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionEmergencyCompleted,
		Slot:         string(slot),
		SubjectKeyID: newRec.KeyID,
		Severity:     ledger.SeverityHigh,
		Details: map[string]string{
			"old_key_id": cur.KeyID,
			"new_key_id": newRec.KeyID,
			"reason":     reason,
			"incident":   incidentID(report),
		},
	}); err != nil {
		return fail(err)
	}

	e.writeSummary(&Summary{
		Kind:        kindEmergency,
		Slot:        string(slot),
		OldKeyID:    cur.KeyID,
		NewKeyID:    newRec.KeyID,
		Reason:      reason,
		Operator:    e.actor,
		StartedAt:   started.UTC(),
		CompletedAt: e.now().UTC(),
	})
	e.metrics.RecordCompleted(string(slot), kindEmergency, "success", e.now().Sub(started).Seconds())
	e.logger.Info("emergency-rotated slot %s: %s -> %s (%s)", slot, cur.KeyID, newRec.KeyID, reason)
	return newRec.KeyID, nil
}

// Bootstrap provisions the initial key for every empty slot, in chain
// order. Occupied slots are skipped.
func (e *Engine) Bootstrap(ctx context.Context) (map[registry.Slot]string, error) {
	created := make(map[registry.Slot]string)
	for _, slot := range registry.Slots() {
		if _, err := e.registry.GetActive(slot); err == nil {
			continue
		} else if !tcerrors.IsKind(err, tcerrors.KindNoActiveKey) {
			return created, err
		}
		keyID, err := e.bootstrap(ctx, slot, e.now())
		if err != nil {
			return created, err
		}
		created[slot] = keyID
	}
	return created, nil
}

// bootstrap provisions a single empty slot. The parent chain must already
// be in place: root before platform before kek before db.
func (e *Engine) bootstrap(ctx context.Context, slot registry.Slot, started time.Time) (string, error) {
	fail := func(err error) (string, error) {
		e.metrics.RecordCompleted(string(slot), kindBootstrap, "failure", e.now().Sub(started).Seconds())
		return "", err
	}

	parentID, err := e.parentKeyID(slot)
	if err != nil {
		return fail(err)
	}

	newRec, err := e.generate(ctx, slot, parentID)
	if err != nil {
		return fail(err)
	}
	if err := e.auditCreated(newRec); err != nil {
		e.discardOrphan(newRec.KeyID)
		return fail(err)
	}

	if err := e.registry.SetActive(slot, "", *newRec); err != nil {
		e.discardOrphan(newRec.KeyID)
		return fail(err)
	}
	if err := e.auditActivated(newRec, ""); err != nil {
		e.rollbackSwap(slot, newRec.KeyID, "")
		return fail(err)
	}

	if err := e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionBootstrapCompleted,
		Slot:         string(slot),
		SubjectKeyID: newRec.KeyID,
	}); err != nil {
		return fail(err)
	}

	e.writeSummary(&Summary{
		Kind:        kindBootstrap,
		Slot:        string(slot),
		NewKeyID:    newRec.KeyID,
		Operator:    e.actor,
		StartedAt:   started.UTC(),
		CompletedAt: e.now().UTC(),
	})
	e.metrics.RecordCompleted(string(slot), kindBootstrap, "success", e.now().Sub(started).Seconds())
	e.logger.Info("bootstrapped slot %s with key %s", slot, newRec.KeyID)
	return newRec.KeyID, nil
}

// parentKeyID resolves the id of the active parent key, or "" for root.
// A broken parent chain surfaces as NoActiveKey for the requested slot.
func (e *Engine) parentKeyID(slot registry.Slot) (string, error) {
	parentSlot, ok := slot.Parent()
	if !ok {
		return "", nil
	}
	parent, err := e.registry.GetActive(parentSlot)
	if err != nil {
		if tcerrors.IsKind(err, tcerrors.KindNoActiveKey) {
			return "", &tcerrors.LifecycleError{
				Kind:    tcerrors.KindNoActiveKey,
				Slot:    string(slot),
				Stage:   tcerrors.StageLocate,
				Message: fmt.Sprintf("parent slot %s has no active key; bootstrap the chain in order", parentSlot),
			}
		}
		return "", err
	}
	return parent.KeyID, nil
}

// backupKey snapshots a key with a bounded timeout. A timeout is the same
// failure as an explicit error: the pipeline aborts with prior state intact.
func (e *Engine) backupKey(ctx context.Context, rec *registry.KeyRecord, reason string) (*backup.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.backups.Backup(callCtx, rec, reason)
}

// generate mints a replacement key through the keystore adapter with a
// bounded timeout. Adapter failures are retryable by the operator, never
// auto-retried.
func (e *Engine) generate(ctx context.Context, slot registry.Slot, parentID string) (*registry.KeyRecord, error) {
	params := e.def.SlotFor(slot)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	keyID, err := e.keystore.Generate(callCtx, string(slot), params.Algorithm, params.Bits, parentID)
	if err != nil {
		return nil, &tcerrors.LifecycleError{
			Kind:    tcerrors.KindKeyGenerationFailed,
			Slot:    string(slot),
			Stage:   tcerrors.StageGenerate,
			Message: "key store adapter failed to mint a replacement",
			Err:     err,
		}
	}

	return &registry.KeyRecord{
		Slot:        slot,
		KeyID:       keyID,
		ParentKeyID: parentID,
		Algorithm:   params.Algorithm,
		Bits:        params.Bits,
		CreatedAt:   e.now().UTC(),
	}, nil
}

// revoke appends to the revocation list and then marks the registry
// record. The ledger append comes first: a key on the revocation list but
// still marked active is caught by verify, the reverse would not be.
func (e *Engine) revoke(keyID string, slot registry.Slot, reason, severity string) error {
	if _, err := e.revocations.Append(keyID, string(slot), reason); err != nil {
		return err
	}
	if err := e.registry.MarkRevoked(keyID); err != nil {
		return fmt.Errorf("key %s is on the revocation list but the registry update failed: %w", keyID, err)
	}
	return e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionKeyRevoked,
		Slot:         string(slot),
		SubjectKeyID: keyID,
		Severity:     severity,
		Details:      map[string]string{"reason": reason},
	})
}

func (e *Engine) auditBackup(slot registry.Slot, keyID string, rec *backup.Record) error {
	return e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionBackupCreated,
		Slot:         string(slot),
		SubjectKeyID: keyID,
		Details: map[string]string{
			"backup_id": rec.ID,
			"location":  rec.Location,
			"reason":    rec.Reason,
		},
	})
}

func (e *Engine) auditCreated(rec *registry.KeyRecord) error {
	return e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionKeyCreated,
		Slot:         string(rec.Slot),
		SubjectKeyID: rec.KeyID,
		Details: map[string]string{
			"parent_key_id": rec.ParentKeyID,
			"algorithm":     rec.Algorithm,
			"bits":          strconv.Itoa(rec.Bits),
			"created_at":    rec.CreatedAt.Format(time.RFC3339Nano),
		},
	})
}

func (e *Engine) auditActivated(rec *registry.KeyRecord, oldKeyID string) error {
	return e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionKeyActivated,
		Slot:         string(rec.Slot),
		SubjectKeyID: rec.KeyID,
		Details:      map[string]string{"old_key_id": oldKeyID},
	})
}

// rollbackSwap undoes an activation whose audit write failed and leaves a
// best-effort trace of the rollback itself.
func (e *Engine) rollbackSwap(slot registry.Slot, newKeyID, previousID string) {
	if err := e.registry.Rollback(slot, newKeyID, previousID); err != nil {
		e.logger.Error("rollback of slot %s failed: %v; run verify and resolve manually", slot, err)
	}
	e.discardOrphan(newKeyID)
	if err := e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionRotationRolledBack,
		Slot:         string(slot),
		SubjectKeyID: newKeyID,
		Severity:     ledger.SeverityHigh,
		Details:      map[string]string{"previous_key_id": previousID},
	}); err != nil {
		e.logger.Warn("rollback of slot %s could not be audited: %v", slot, err)
	}
}

// discardOrphan deactivates a generated key that never became active. A
// failure here only leaves unusable material behind; the orphan must never
// become silently active.
func (e *Engine) discardOrphan(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.keystore.Deactivate(ctx, keyID); err != nil {
		e.logger.Warn("orphaned key %s could not be deactivated: %v; clean up manually", keyID, err)
	}
}

func (e *Engine) openIncident(slot registry.Slot, oldKeyID, newKeyID, reason string) *incident.Report {
	report, err := e.incidents.Create(string(slot), oldKeyID, newKeyID, reason, e.actor)
	if err != nil {
		e.logger.Error("failed to write incident report for slot %s: %v", slot, err)
		return nil
	}
	if err := e.audit.Append(&ledger.AuditEntry{
		Actor:        e.actor,
		Action:       ledger.ActionIncidentCreated,
		Slot:         string(slot),
		SubjectKeyID: oldKeyID,
		Severity:     ledger.SeverityHigh,
		Details:      map[string]string{"incident": report.ID, "reason": reason},
	}); err != nil {
		e.logger.Warn("incident %s could not be audited: %v", report.ID, err)
	}
	return report
}

func (e *Engine) writeSummary(s *Summary) {
	if err := e.reports.Write(s); err != nil {
		e.logger.Warn("failed to write rotation summary: %v", err)
	}
}

func incidentID(report *incident.Report) string {
	if report == nil {
		return ""
	}
	return report.ID
}
