package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/trustchain/internal/incident"
	"github.com/systmms/trustchain/internal/ledger"
	"github.com/systmms/trustchain/internal/registry"
)

func TestEmergencyCommand(t *testing.T) {
	cfg, stateDir := testConfig(t)
	captureOutput(t, NewInitCommand(cfg), nil)

	reg := registry.New(stateDir)
	before, err := reg.GetActive(registry.SlotDB)
	require.NoError(t, err)

	out := captureOutput(t, NewEmergencyCommand(cfg), []string{"db", "compromise"})
	assert.Contains(t, out, "emergency-rotated")
	assert.Contains(t, out, "incident")

	// The compromised key is revoked and a replacement holds the slot
	revoked, err := ledger.OpenRevocationList(stateDir).Contains(before.KeyID)
	require.NoError(t, err)
	assert.True(t, revoked)

	after, err := reg.GetActive(registry.SlotDB)
	require.NoError(t, err)
	assert.NotEqual(t, before.KeyID, after.KeyID)

	open, err := incident.NewManager(stateDir).Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "compromise", open[0].Reason)
	assert.Equal(t, before.KeyID, open[0].OldKeyID)
}

func TestEmergencyCommand_InvalidReason(t *testing.T) {
	cfg, _ := testConfig(t)
	captureOutput(t, NewInitCommand(cfg), nil)

	_, err := captureOutputErr(t, NewEmergencyCommand(cfg), []string{"db", "oops"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compromise, emergency")
}
