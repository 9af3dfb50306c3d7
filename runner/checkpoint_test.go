package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/types"
)

func testCheckpoint(round int, step string) *Checkpoint {
	return &Checkpoint{
		Round: round,
		State: &RunState{
			RunID:       "run-1",
			Workflow:    "federated_sum",
			Status:      StatusRunning,
			CurrentStep: step,
			Round:       round,
		},
		Store: &refstore.Snapshot{},
		Private: map[types.ParticipantID]map[string]any{
			"col1": {"total": float64(round)},
		},
	}
}

func TestCheckpointManager_SaveAndLoadLatest(t *testing.T) {
	t.Parallel()
	cm, err := NewCheckpointManager(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, cm.Save(testCheckpoint(0, "local_update")))
	require.NoError(t, cm.Save(testCheckpoint(0, "aggregate")))
	require.NoError(t, cm.Save(testCheckpoint(1, "local_update")))

	ckpt, err := cm.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, ckpt)
	assert.Equal(t, 1, ckpt.Round)
	assert.Equal(t, "local_update", ckpt.State.CurrentStep)
	assert.Equal(t, 3, ckpt.Sequence)
	assert.Equal(t, float64(1), ckpt.Private["col1"]["total"])
	assert.False(t, ckpt.CreatedAt.IsZero())
}

func TestCheckpointManager_EmptyDirectory(t *testing.T) {
	t.Parallel()
	cm, err := NewCheckpointManager(t.TempDir(), nil)
	require.NoError(t, err)

	ckpt, err := cm.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, ckpt)
}

func TestCheckpointManager_SkipsCorruptAndTornFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)

	require.NoError(t, cm.Save(testCheckpoint(0, "aggregate")))

	// A torn write and a corrupt latest file must both be skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "round_0001_seq_000002.json.tmp"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "round_0001_seq_000003.json"), []byte("not json"), 0o644))

	ckpt, err := cm.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, ckpt)
	assert.Equal(t, "aggregate", ckpt.State.CurrentStep)
}

func TestCheckpointManager_SequenceResumesAfterLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.Save(testCheckpoint(0, "local_update")))
	require.NoError(t, first.Save(testCheckpoint(1, "local_update")))

	// A fresh manager must not reuse sequence numbers already on disk.
	second, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	latest, err := second.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Sequence)

	require.NoError(t, second.Save(testCheckpoint(1, "aggregate")))
	newest, err := second.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 3, newest.Sequence)
	assert.Equal(t, "aggregate", newest.State.CurrentStep)
}
