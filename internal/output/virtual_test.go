package output

import (
	"testing"

	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestVirtualRequiresPrepare(t *testing.T) {
	testlog.Start(t)
	v := NewVirtual("n")
	require.ErrorIs(t, v.Start("obj", 0, 0), ErrNotPrepared)
	require.ErrorIs(t, v.Cue(10, 0), ErrNotPlaying)
	require.NoError(t, v.Prepare("obj", []byte("abc")))
	require.True(t, v.Prepared("obj"))
	require.NoError(t, v.Start("obj", 1000, 0))
	id, ok := v.Playing()
	require.True(t, ok)
	require.Equal(t, "obj", id)
}

func TestVirtualPositionAdvancesWithClock(t *testing.T) {
	testlog.Start(t)
	v := NewVirtual("n")
	v.Prepare("obj", nil)
	v.Start("obj", 1000, 250)

	pos, playing := v.Position(900)
	require.True(t, playing)
	require.Equal(t, int64(250), pos, "position holds before the start instant")

	pos, _ = v.Position(1500)
	require.Equal(t, int64(750), pos)

	require.NoError(t, v.Cue(100, 1500))
	pos, _ = v.Position(1600)
	require.Equal(t, int64(200), pos)

	v.Stop()
	_, playing = v.Position(1700)
	require.False(t, playing)

	kinds := []string{}
	for _, e := range v.Events() {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []string{"start", "cue", "stop"}, kinds)
}

func TestVirtualOutputDelayNeverNegative(t *testing.T) {
	testlog.Start(t)
	v := NewVirtual("n")
	v.SetOutputDelay(-50)
	require.Zero(t, v.OutputDelay())
	v.SetOutputDelay(300)
	require.Equal(t, int64(300), v.OutputDelay())
}
