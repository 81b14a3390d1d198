package membership

import (
	"testing"

	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestApplyRosterReportsChurn(t *testing.T) {
	testlog.Start(t)
	v := NewView("b")
	joined, left := v.ApplyRoster([]string{"c", "a", "b"})
	require.Equal(t, []PeerID{"a", "b", "c"}, joined)
	require.Empty(t, left)
	require.Equal(t, []PeerID{"a", "b", "c"}, v.Peers())
	require.Equal(t, []PeerID{"a", "c"}, v.Others())

	joined, left = v.ApplyRoster([]string{"b", "d", "c"})
	require.Equal(t, []PeerID{"d"}, joined)
	require.Equal(t, []PeerID{"a"}, left)

	lowest, ok := v.Lowest()
	require.True(t, ok)
	require.Equal(t, PeerID("b"), lowest)
}

func TestAloneCountsOnlyOthers(t *testing.T) {
	testlog.Start(t)
	v := NewView("a")
	require.True(t, v.Alone())
	v.ApplyRoster([]string{"a"})
	require.True(t, v.Alone())
	require.True(t, v.Join("b"))
	require.False(t, v.Join("b"))
	require.False(t, v.Alone())
	require.True(t, v.Leave("b"))
	require.False(t, v.Leave("b"))
	require.True(t, v.Alone())
}

func TestTrustFollowsRoster(t *testing.T) {
	testlog.Start(t)
	v := NewView("a")
	require.False(t, v.Trusted())
	require.False(t, v.RosterSeen())
	v.ApplyRoster([]string{"a", "b"})
	require.True(t, v.Trusted())
	v.MarkUntrusted()
	require.False(t, v.Trusted())
	require.True(t, v.Contains("b"))
	v.ApplyRoster([]string{"a", "b"})
	require.True(t, v.Trusted())
}

func TestNewPeerIDIsRandom(t *testing.T) {
	testlog.Start(t)
	a, b := NewPeerID(), NewPeerID()
	require.NotEqual(t, a, b)
	require.Len(t, string(a), 36)
}
