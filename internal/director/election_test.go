package director

import (
	"testing"
	"time"

	"github.com/danmuck/swarmsync/internal/membership"
	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func joinedView(self membership.PeerID, roster ...string) *membership.View {
	v := membership.NewView(self)
	v.ApplyRoster(roster)
	return v
}

func TestFirstJoinAloneSelfAsserts(t *testing.T) {
	testlog.Start(t)
	e := New("a", 0)
	require.Equal(t, Vacant, e.State())
	act := e.ObserveRoster(joinedView("a", "a"), t0, 100)
	require.Equal(t, ActionAssert, act)
	require.Equal(t, SelfDirector, e.State())
	require.True(t, e.IsSelf())
}

func TestRosterFallbackElectsLowestExactlyOnce(t *testing.T) {
	testlog.Start(t)
	roster := []string{"A", "B", "C"}
	nodes := map[membership.PeerID]*Election{}
	views := map[membership.PeerID]*membership.View{}
	for _, id := range roster {
		pid := membership.PeerID(id)
		nodes[pid] = New(pid, time.Second)
		views[pid] = joinedView(pid, roster...)
		require.Equal(t, ActionNone, nodes[pid].ObserveRoster(views[pid], t0, 100))
		_, armed := nodes[pid].FallbackDeadline()
		require.True(t, armed)
	}

	// inside the grace window nothing happens
	for id, e := range nodes {
		require.Equal(t, ActionNone, e.ResolveFallback(views[id], t0.Add(500*time.Millisecond), 600))
		require.Equal(t, Vacant, e.State())
	}

	selfCount := 0
	for id, e := range nodes {
		act := e.ResolveFallback(views[id], t0.Add(time.Second), 1100)
		if id == "A" {
			require.Equal(t, ActionAssert, act)
		} else {
			require.Equal(t, ActionNone, act)
		}
		if e.State() == SelfDirector {
			selfCount++
		}
		cur, ok := e.Current()
		require.True(t, ok)
		require.Equal(t, membership.PeerID("A"), cur)
	}
	require.Equal(t, 1, selfCount)
	require.Equal(t, OtherDirector, nodes["B"].State())
	require.Equal(t, OtherDirector, nodes["C"].State())
}

func TestIncumbentAssertDisarmsFallback(t *testing.T) {
	testlog.Start(t)
	e := New("a", time.Second)
	view := joinedView("a", "a", "z")
	e.ObserveRoster(view, t0, 100)
	require.True(t, e.OnAssert("z", 50))
	require.Equal(t, ActionNone, e.ResolveFallback(view, t0.Add(time.Hour), 5000))
	cur, _ := e.Current()
	require.Equal(t, membership.PeerID("z"), cur)
	require.Equal(t, OtherDirector, e.State())
}

func TestDirectorLeaveVacatesWithoutReelection(t *testing.T) {
	testlog.Start(t)
	e := New("b", time.Second)
	view := joinedView("b", "a", "b", "c")
	e.ObserveRoster(view, t0, 100)
	e.OnAssert("a", 90)

	view.ApplyRoster([]string{"b", "c"})
	require.Equal(t, ActionNone, e.ObserveRoster(view, t0.Add(time.Second), 1100))
	require.Equal(t, Vacant, e.State())
	_, armed := e.FallbackDeadline()
	require.False(t, armed)
	require.Equal(t, ActionNone, e.ResolveFallback(view, t0.Add(time.Hour), 5000))
	require.Equal(t, Vacant, e.State())
}

func TestResignOnlyVacatesForHolder(t *testing.T) {
	testlog.Start(t)
	e := New("a", 0)
	e.OnAssert("b", 100)
	require.False(t, e.OnResign("c", 200))
	require.Equal(t, OtherDirector, e.State())
	require.True(t, e.OnResign("b", 200))
	require.Equal(t, Vacant, e.State())

	// a delayed assert older than the resign cannot resurrect b
	require.False(t, e.OnAssert("b", 150))
	require.Equal(t, Vacant, e.State())

	_, err := e.Resign(300)
	require.ErrorIs(t, err, ErrNotDirector)
}

func TestTakeRaceConvergesToLastMessage(t *testing.T) {
	testlog.Start(t)
	a := New("a", 0)
	b := New("b", 0)
	require.Equal(t, ActionTake, a.Take(1000))
	require.Equal(t, ActionTake, b.Take(1004))
	// each racer only ever receives the other's take
	require.True(t, a.OnTake("b", b.StampMs()))
	require.False(t, b.OnTake("a", 1000))
	require.Equal(t, OtherDirector, a.State())
	require.Equal(t, SelfDirector, b.State())

	act, err := b.Resign(2000)
	require.NoError(t, err)
	require.Equal(t, ActionResign, act)
	a.OnResign("b", b.StampMs())
	require.Equal(t, Vacant, a.State())
	require.Equal(t, Vacant, b.State())
}

func TestEqualStampTieBreaksOnHigherID(t *testing.T) {
	testlog.Start(t)
	a := New("a", 0)
	b := New("b", 0)
	a.Take(500)
	b.Take(500)
	require.True(t, a.OnTake("b", 500))
	require.False(t, b.OnTake("a", 500))
	cur, _ := a.Current()
	require.Equal(t, membership.PeerID("b"), cur)
	require.True(t, b.IsSelf())
}

func TestUnstampedMessagesApplyInArrivalOrder(t *testing.T) {
	testlog.Start(t)
	e := New("a", 0)
	e.Take(900)
	require.True(t, e.OnAssert("b", 0))
	require.True(t, e.OnAssert("a0", 0))
	cur, _ := e.Current()
	require.Equal(t, membership.PeerID("a0"), cur)
}

func TestPeerJoinedReassertsIncumbent(t *testing.T) {
	testlog.Start(t)
	e := New("a", 0)
	require.Equal(t, ActionNone, e.PeerJoined("b"))
	e.ObserveRoster(joinedView("a", "a"), t0, 100)
	require.Equal(t, ActionAssert, e.PeerJoined("b"))
	require.Equal(t, int64(100), e.StampMs())
	require.Equal(t, ActionNone, e.PeerJoined("a"))
}

func TestUntrustedReconnectReevaluatesRoster(t *testing.T) {
	testlog.Start(t)
	e := New("b", time.Second)
	view := joinedView("b", "a", "b")
	e.ObserveRoster(view, t0, 100)
	e.OnAssert("a", 90)
	require.True(t, e.Trusted())

	e.MarkUntrusted()
	require.False(t, e.Trusted())
	cur, _ := e.Current()
	require.Equal(t, membership.PeerID("a"), cur)

	// after reconnect the old director is gone and b is alone
	view.ApplyRoster([]string{"b"})
	require.Equal(t, ActionAssert, e.ObserveRoster(view, t0.Add(time.Minute), 60_100))
	require.Equal(t, SelfDirector, e.State())
	require.True(t, e.Trusted())
}

func TestReconnectedSelfDirectorReasserts(t *testing.T) {
	testlog.Start(t)
	a := New("a", time.Second)
	b := New("b", time.Second)
	require.Equal(t, ActionAssert, a.ObserveRoster(joinedView("a", "a"), t0, 100))
	bView := joinedView("b", "a", "b")
	b.ObserveRoster(bView, t0, 100)
	require.True(t, b.OnAssert("a", a.StampMs()))

	// a's link drops; b sees it leave
	a.MarkUntrusted()
	bView.Leave("a")
	require.True(t, b.PeerLeft("a"))
	require.Equal(t, Vacant, b.State())

	// a rejoins and reads a fresh roster holding both peers
	action := a.ObserveRoster(joinedView("a", "a", "b"), t0.Add(time.Second), 1_100)
	require.Equal(t, ActionAssert, action)
	require.Equal(t, int64(100), a.StampMs())
	require.Equal(t, SelfDirector, a.State())

	bView.Join("a")
	require.True(t, b.OnAssert("a", a.StampMs()))
	require.Equal(t, OtherDirector, b.State())
	cur, _ := b.Current()
	require.Equal(t, membership.PeerID("a"), cur)
}
