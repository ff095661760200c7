package incident

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLoad(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())

	report, err := mgr.Create("db", "db-old", "db-new", "compromise", "alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.ID, "INC-"))
	assert.Equal(t, StatusOpen, report.Status)
	assert.Equal(t, "high", report.Severity)
	assert.False(t, report.SlotUnoccupied())

	loaded, err := mgr.Load(report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ID, loaded.ID)
	assert.Equal(t, "db-old", loaded.OldKeyID)
	assert.Equal(t, "db-new", loaded.NewKeyID)
	assert.Equal(t, "alice", loaded.Operator)
}

func TestCreate_CriticalWithoutReplacement(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())

	report, err := mgr.Create("kek", "kek-old", "", "emergency", "bob")
	require.NoError(t, err)
	assert.Equal(t, "critical", report.Severity)
	assert.True(t, report.SlotUnoccupied())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())
	report, err := mgr.Create("db", "db-old", "db-new", "compromise", "alice")
	require.NoError(t, err)

	resolved, err := mgr.Resolve(report.ID, "re-keyed downstream signers")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.WithinDuration(t, time.Now(), *resolved.ResolvedAt, 5*time.Second)
	assert.Equal(t, "re-keyed downstream signers", resolved.ResolutionNotes)

	_, err = mgr.Resolve(report.ID, "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")
}

func TestOpenFiltersResolved(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())
	first, err := mgr.Create("db", "a", "b", "compromise", "alice")
	require.NoError(t, err)
	second, err := mgr.Create("kek", "c", "", "emergency", "alice")
	require.NoError(t, err)

	_, err = mgr.Resolve(first.ID, "done")
	require.NoError(t, err)

	open, err := mgr.Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoad_NotFound(t *testing.T) {
	t.Parallel()

	mgr := NewManager(t.TempDir())
	_, err := mgr.Load("INC-20240101-deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
