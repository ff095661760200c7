package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportWriter_WriteAndList(t *testing.T) {
	t.Parallel()

	w := NewReportWriter(t.TempDir())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, slot := range []string{"db", "kek"} {
		err := w.Write(&Summary{
			Kind:        "rotation",
			Slot:        slot,
			OldKeyID:    "old-" + slot,
			NewKeyID:    "new-" + slot,
			Operator:    "tester",
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
		require.NoError(t, err)
	}

	summaries, err := w.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "db", summaries[0].Slot)
	assert.Equal(t, "kek", summaries[1].Slot)
	assert.Equal(t, "new-db", summaries[0].NewKeyID)
}

func TestReportWriter_ListEmpty(t *testing.T) {
	t.Parallel()

	w := NewReportWriter(t.TempDir())
	summaries, err := w.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}
