package sequential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

func TestSubmit_RunsInlineAndReportsDone(t *testing.T) {
	p := New()
	id, err := p.Submit(context.Background(), "exit 0", "job1", nil)
	require.NoError(t, err)

	info, err := p.RemoteExitInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, plugin.ExitDone, info.Kind)

	// Exit info is drained once read, per the plugin contract (spec §4.1
	// QueueingErrors: "drained once returned" applies to exit info too for
	// the sequential reference plugin's simple map).
	_, err = p.RemoteExitInfo(context.Background(), id)
	assert.ErrorIs(t, err, plugin.ErrNotAvailable)
}

func TestSubmit_NonZeroExitReportsError(t *testing.T) {
	p := New()
	id, err := p.Submit(context.Background(), "exit 1", "job1", nil)
	require.NoError(t, err)

	info, err := p.RemoteExitInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, plugin.ExitError, info.Kind)
}

func TestSubmitArray_ProducesOneIDPerStep(t *testing.T) {
	p := New()
	ids, err := p.SubmitArray(context.Background(), "exit 0", "arr", nil, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	for step := 0; step < 3; step++ {
		_, ok := ids[step]
		assert.True(t, ok, "missing step %d", step)
	}
}

func TestActiveIDs_AlwaysEmptySinceSubmitIsSynchronous(t *testing.T) {
	p := New()
	active, err := p.ActiveIDs(context.Background(), []string{"seq-1"})
	require.NoError(t, err)
	assert.Empty(t, active)
}
