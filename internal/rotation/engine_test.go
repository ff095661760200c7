package rotation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/trustchain/internal/backup"
	"github.com/systmms/trustchain/internal/config"
	tcerrors "github.com/systmms/trustchain/internal/errors"
	"github.com/systmms/trustchain/internal/incident"
	"github.com/systmms/trustchain/internal/ledger"
	"github.com/systmms/trustchain/internal/logging"
	"github.com/systmms/trustchain/internal/registry"
)

// fakeKeyStore is an in-memory adapter with injectable failures. It hands
// out sequential key ids and records deactivations.
type fakeKeyStore struct {
	mu          sync.Mutex
	counter     int
	deactivated []string

	failGenerate bool
	failExport   bool

	// barrier, when set, blocks Generate until the expected number of
	// callers have arrived. Used to force an activation race.
	barrier *sync.WaitGroup
}

func (f *fakeKeyStore) Generate(ctx context.Context, slot, algorithm string, bits int, parentKeyID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.barrier != nil {
		f.barrier.Done()
		f.barrier.Wait()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGenerate {
		return "", errors.New("adapter unavailable")
	}
	f.counter++
	return fmt.Sprintf("%s-key-%d", slot, f.counter), nil
}

func (f *fakeKeyStore) SignWith(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	return []byte("sig:" + keyID), nil
}

func (f *fakeKeyStore) ExportPublic(ctx context.Context, keyID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failExport {
		return nil, errors.New("export refused")
	}
	return []byte("-----BEGIN PUBLIC KEY-----\n" + keyID + "\n-----END PUBLIC KEY-----\n"), nil
}

func (f *fakeKeyStore) Deactivate(ctx context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, keyID)
	return nil
}

type testEnv struct {
	engine    *Engine
	reg       *registry.Registry
	ks        *fakeKeyStore
	audit     *ledger.AuditLog
	revs      *ledger.RevocationList
	incidents *incident.Manager
	backups   *backup.Manager
	def       *config.Definition
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()

	slots := make(map[string]config.SlotConfig)
	for slot, days := range map[string]int{"root": 1825, "platform": 730, "kek": 365, "db": 90} {
		slots[slot] = config.SlotConfig{MaxAgeDays: days, Algorithm: "ed25519", Bits: 256}
	}
	def := &config.Definition{
		Version:  1,
		StateDir: stateDir,
		Actor:    "tester",
		Slots:    slots,
	}

	ks := &fakeKeyStore{}
	reg := registry.New(stateDir)
	env := &testEnv{
		reg:       reg,
		ks:        ks,
		audit:     ledger.OpenAuditLog(stateDir),
		revs:      ledger.OpenRevocationList(stateDir),
		incidents: incident.NewManager(stateDir),
		backups:   backup.NewManager(stateDir, ks),
		def:       def,
	}
	env.engine = NewEngine(def, reg, ks, env.backups,
		env.audit, env.revs, env.incidents,
		NewReportWriter(stateDir),
		logging.NewWithWriter(io.Discard, false, true))
	return env
}

// seed installs an active key directly, bypassing the pipelines. Only for
// tests that do not replay the audit log.
func (env *testEnv) seed(t *testing.T, slot registry.Slot, keyID, parentID string, age time.Duration) *registry.KeyRecord {
	t.Helper()
	rec := registry.KeyRecord{
		Slot:        slot,
		KeyID:       keyID,
		ParentKeyID: parentID,
		Algorithm:   "ed25519",
		Bits:        256,
		CreatedAt:   time.Now().UTC().Add(-age),
	}
	require.NoError(t, env.reg.SetActive(slot, "", rec))
	return &rec
}

func (env *testEnv) auditActions(t *testing.T, slot string) []string {
	t.Helper()
	entries, err := env.audit.List(ledger.Filter{Slot: slot})
	require.NoError(t, err)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

const day = 24 * time.Hour

func TestEvaluate_AgeThreshold(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.seed(t, registry.SlotDB, "db-1", "", 95*day)
	env.seed(t, registry.SlotKEK, "kek-1", "", 10*day)

	due, err := env.engine.Evaluate(registry.SlotDB)
	require.NoError(t, err)
	assert.True(t, due.Due)
	assert.False(t, due.Missing)
	assert.Equal(t, 95, due.AgeDays)
	assert.Equal(t, 90, due.MaxAgeDays)

	due, err = env.engine.Evaluate(registry.SlotKEK)
	require.NoError(t, err)
	assert.False(t, due.Due)
	assert.Equal(t, 10, due.AgeDays)
}

func TestEvaluate_MissingKeyIsOverdue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	due, err := env.engine.Evaluate(registry.SlotRoot)
	require.NoError(t, err)
	assert.True(t, due.Due)
	assert.True(t, due.Missing)
	assert.Empty(t, due.KeyID)
}

func TestCheckAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotRoot, "root-1", "", 5*day)

	results, err := env.engine.CheckAll()
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, registry.SlotRoot, results[0].Slot)
	assert.False(t, results[0].Due)
	for _, r := range results[1:] {
		assert.True(t, r.Missing)
	}
}

func TestRotate_Success(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotPlatform, "plat-1", "", 30*day)
	env.seed(t, registry.SlotKEK, "kek-1", "plat-1", 400*day)

	newID, err := env.engine.Rotate(context.Background(), registry.SlotKEK)
	require.NoError(t, err)
	require.NotEmpty(t, newID)

	// The replacement holds the slot and is certified by the current parent
	active, err := env.reg.GetActive(registry.SlotKEK)
	require.NoError(t, err)
	assert.Equal(t, newID, active.KeyID)
	assert.Equal(t, "plat-1", active.ParentKeyID)

	// The outgoing key is revoked in both the registry and the ledger
	old, err := env.reg.Get("kek-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRevoked, old.Status)

	revoked, err := env.revs.Contains("kek-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revEntries, err := env.revs.List(ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, revEntries, 1)
	assert.Equal(t, ledger.ReasonRotation, revEntries[0].Reason)

	// A backup was taken before anything destructive
	_, err = env.backups.Find("kek-1", backup.ReasonRotation)
	assert.NoError(t, err)

	assert.Equal(t, []string{
		ledger.ActionBackupCreated,
		ledger.ActionKeyCreated,
		ledger.ActionKeyActivated,
		ledger.ActionKeyRevoked,
		ledger.ActionRotationCompleted,
	}, env.auditActions(t, "kek"))
}

func TestRotate_BootstrapsEmptySlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	newID, err := env.engine.Rotate(context.Background(), registry.SlotRoot)
	require.NoError(t, err)

	active, err := env.reg.GetActive(registry.SlotRoot)
	require.NoError(t, err)
	assert.Equal(t, newID, active.KeyID)
	assert.Empty(t, active.ParentKeyID)

	// No backup, no revocation: there was nothing to protect
	revEntries, err := env.revs.List(ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, revEntries)

	assert.Contains(t, env.auditActions(t, "root"), ledger.ActionBootstrapCompleted)
}

func TestRotate_BrokenParentChain(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// db's parent (kek) is empty, so neither rotation nor bootstrap can run
	_, err := env.engine.Rotate(context.Background(), registry.SlotDB)
	require.Error(t, err)
	assert.Equal(t, tcerrors.KindNoActiveKey, tcerrors.KindOf(err))
	assert.Contains(t, err.Error(), "parent slot kek")
}

func TestRotate_GenerationFailureKeepsOldKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotPlatform, "plat-1", "", 30*day)
	env.seed(t, registry.SlotKEK, "kek-1", "plat-1", 400*day)
	env.ks.failGenerate = true

	_, err := env.engine.Rotate(context.Background(), registry.SlotKEK)
	require.Error(t, err)
	assert.Equal(t, tcerrors.KindKeyGenerationFailed, tcerrors.KindOf(err))

	// The outgoing key never stopped being active
	active, err := env.reg.GetActive(registry.SlotKEK)
	require.NoError(t, err)
	assert.Equal(t, "kek-1", active.KeyID)

	revEntries, err := env.revs.List(ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, revEntries)
}

func TestRotate_BackupFailureBlocksRotation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotRoot, "root-1", "", 2000*day)
	env.ks.failExport = true

	_, err := env.engine.Rotate(context.Background(), registry.SlotRoot)
	require.Error(t, err)
	assert.Equal(t, tcerrors.KindBackupUnavailable, tcerrors.KindOf(err))

	active, err := env.reg.GetActive(registry.SlotRoot)
	require.NoError(t, err)
	assert.Equal(t, "root-1", active.KeyID)

	// Nothing was generated, nothing was revoked
	records, err := env.reg.Records(registry.SlotRoot)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRotate_ConcurrentConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotKEK, "kek-1", "", 10*day)
	env.seed(t, registry.SlotDB, "db-1", "kek-1", 100*day)

	// Hold both pipelines at key generation so each has read db-1 as the
	// current key before either swaps.
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	env.ks.barrier = barrier

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.engine.Rotate(context.Background(), registry.SlotDB)
			errs <- err
		}()
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}

	// Exactly one rotation wins; the loser observes the conflict
	require.Len(t, failures, 1)
	assert.Equal(t, tcerrors.KindConflictingUpdate, tcerrors.KindOf(failures[0]))

	// The registry holds exactly one active key, and the loser's orphan was
	// deactivated without ever entering the registry
	records, err := env.reg.Records(registry.SlotDB)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	activeCount := 0
	for _, rec := range records {
		if rec.Status == registry.StatusActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
	assert.Len(t, env.ks.deactivated, 1)

	// A retry sees the fresh key and finds nothing due
	due, err := env.engine.Evaluate(registry.SlotDB)
	require.NoError(t, err)
	assert.False(t, due.Due)
}

func TestEmergencyRotate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotKEK, "kek-1", "", 10*day)
	env.seed(t, registry.SlotDB, "db-1", "kek-1", 10*day)

	newID, err := env.engine.EmergencyRotate(context.Background(), registry.SlotDB, ledger.ReasonCompromise)
	require.NoError(t, err)

	active, err := env.reg.GetActive(registry.SlotDB)
	require.NoError(t, err)
	assert.Equal(t, newID, active.KeyID)

	revEntries, err := env.revs.List(ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, revEntries, 1)
	assert.Equal(t, "db-1", revEntries[0].KeyID)
	assert.Equal(t, ledger.ReasonCompromise, revEntries[0].Reason)

	// Revocation precedes replacement generation in the audit trail
	actions := env.auditActions(t, "db")
	revokedAt, activatedAt := -1, -1
	for i, a := range actions {
		switch a {
		case ledger.ActionKeyRevoked:
			revokedAt = i
		case ledger.ActionKeyActivated:
			activatedAt = i
		}
	}
	require.GreaterOrEqual(t, revokedAt, 0)
	require.GreaterOrEqual(t, activatedAt, 0)
	assert.Less(t, revokedAt, activatedAt)
	assert.Equal(t, ledger.ActionEmergencyStarted, actions[0])
	assert.Equal(t, ledger.ActionEmergencyCompleted, actions[len(actions)-1])

	// An emergency backup exists and an incident report was filed
	_, err = env.backups.Find("db-1", backup.ReasonEmergency)
	assert.NoError(t, err)

	open, err := env.incidents.Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "db-1", open[0].OldKeyID)
	assert.Equal(t, newID, open[0].NewKeyID)
	assert.Equal(t, ledger.ReasonCompromise, open[0].Reason)
	assert.Equal(t, "high", open[0].Severity)
	assert.False(t, open[0].SlotUnoccupied())
}

func TestEmergencyRotate_InvalidReason(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotRoot, "root-1", "", 10*day)

	_, err := env.engine.EmergencyRotate(context.Background(), registry.SlotRoot, "routine")
	require.Error(t, err)

	var ue tcerrors.UserError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Suggestion, "compromise")

	// Nothing happened
	entries, err := env.audit.List(ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmergencyRotate_GenerationFailureLeavesAlarmedSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, registry.SlotKEK, "kek-1", "", 10*day)
	env.seed(t, registry.SlotDB, "db-1", "kek-1", 10*day)
	env.ks.failGenerate = true

	_, err := env.engine.EmergencyRotate(context.Background(), registry.SlotDB, ledger.ReasonEmergency)
	require.Error(t, err)
	assert.Equal(t, tcerrors.KindKeyGenerationFailed, tcerrors.KindOf(err))

	// The compromised key stays revoked; the slot is empty on purpose
	_, err = env.reg.GetActive(registry.SlotDB)
	assert.Equal(t, tcerrors.KindNoActiveKey, tcerrors.KindOf(err))

	revoked, err := env.revs.Contains("db-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// The incident is critical and flags the unoccupied slot
	open, err := env.incidents.Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "critical", open[0].Severity)
	assert.True(t, open[0].SlotUnoccupied())
	assert.Empty(t, open[0].NewKeyID)

	// A retried emergency has nothing to revoke and is refused
	_, err = env.engine.EmergencyRotate(context.Background(), registry.SlotDB, ledger.ReasonEmergency)
	assert.Equal(t, tcerrors.KindNoActiveKey, tcerrors.KindOf(err))

	// Recovery goes through the rotate path, which bootstraps the emptied
	// slot under the existing parent
	env.ks.failGenerate = false
	newID, err := env.engine.Rotate(context.Background(), registry.SlotDB)
	require.NoError(t, err)

	active, err := env.reg.GetActive(registry.SlotDB)
	require.NoError(t, err)
	assert.Equal(t, newID, active.KeyID)
	assert.Equal(t, "kek-1", active.ParentKeyID)
}

func TestBootstrap_ProvisionsChainInOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created, err := env.engine.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 4)

	// Each key is certified by its parent slot's active key
	for _, slot := range registry.Slots() {
		active, err := env.reg.GetActive(slot)
		require.NoError(t, err)
		assert.Equal(t, created[slot], active.KeyID)

		if parentSlot, ok := slot.Parent(); ok {
			assert.Equal(t, created[parentSlot], active.ParentKeyID, "slot %s", slot)
		} else {
			assert.Empty(t, active.ParentKeyID)
		}
	}

	// A second bootstrap is a no-op
	again, err := env.engine.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestVerify_AfterPipelines(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.engine.Bootstrap(context.Background())
	require.NoError(t, err)
	_, err = env.engine.Rotate(context.Background(), registry.SlotDB)
	require.NoError(t, err)
	_, err = env.engine.EmergencyRotate(context.Background(), registry.SlotKEK, ledger.ReasonCompromise)
	require.NoError(t, err)

	auditEntries, err := env.audit.List(ledger.Filter{})
	require.NoError(t, err)
	revEntries, err := env.revs.List(ledger.Filter{})
	require.NoError(t, err)

	divergences, err := env.reg.Verify(auditEntries, revEntries)
	require.NoError(t, err)
	assert.Empty(t, divergences)
}

func TestVerify_DetectsTampering(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.engine.Bootstrap(context.Background())
	require.NoError(t, err)

	// Revoke a key behind the audit log's back
	require.NoError(t, env.reg.MarkRevoked("db-key-4"))

	auditEntries, err := env.audit.List(ledger.Filter{})
	require.NoError(t, err)
	revEntries, err := env.revs.List(ledger.Filter{})
	require.NoError(t, err)

	divergences, err := env.reg.Verify(auditEntries, revEntries)
	require.NoError(t, err)
	assert.NotEmpty(t, divergences)
}
