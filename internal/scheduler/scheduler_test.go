package scheduler

import (
	"testing"
	"time"

	"github.com/danmuck/swarmsync/internal/output"
	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	offset int64
	locked bool
	rtt    float64
}

func (c *fakeClock) Locked() bool                 { return c.locked }
func (c *fakeClock) GlobalMs(localMs int64) int64 { return localMs + c.offset }
func (c *fakeClock) LocalMs(globalMs int64) int64 { return globalMs - c.offset }
func (c *fakeClock) MedianRTTMs() float64         { return c.rtt }

type role bool

func (r role) IsSelf() bool { return bool(r) }

func newTestScheduler(t *testing.T, offset int64, director bool) (*Scheduler, *output.Virtual, *fakeClock) {
	t.Helper()
	clock := &fakeClock{offset: offset, locked: true}
	engine := output.NewVirtual("test")
	s := New(DefaultConfig(), "test", clock, role(director), engine)
	t.Cleanup(s.Stop)
	return s, engine, clock
}

func TestExecuteConvertsGlobalStartToLocalInstant(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 120, false)
	engine.Prepare("obj", nil)

	require.True(t, s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 1500, IssuedAtMs: 900}, 1000))
	cmd, local, ok := s.Pending()
	require.True(t, ok)
	require.Equal(t, int64(1380), local)
	require.Equal(t, "obj", cmd.ObjectID)
	require.NotNil(t, s.Due())

	s.Fire(1380)
	require.Nil(t, s.Due())
	pos, playing := engine.Position(1380)
	require.True(t, playing)
	require.Zero(t, pos)
	align, ok := s.Alignment()
	require.True(t, ok)
	require.Equal(t, int64(1500), align.StartedAtGlobalMs)
	require.Equal(t, int64(1380), align.LocalScheduleAnchorMs)
}

func TestLateCommandStartsImmediatelyAtLateness(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 120, false)
	engine.Prepare("obj", nil)

	// local start 1380, arrives at 1500: 120ms late
	require.True(t, s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 1500, IssuedAtMs: 900}, 1500))
	_, _, pending := s.Pending()
	require.False(t, pending)
	require.Nil(t, s.Due())
	pos, playing := engine.Position(1500)
	require.True(t, playing)
	require.Equal(t, int64(120), pos)
}

func TestStaleCommandsDropped(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	engine.Prepare("obj", nil)

	require.True(t, s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 100, IssuedAtMs: 50}, 200))
	require.True(t, s.Execute(Command{Kind: KindStop, IssuedAtMs: 60}, 210))
	_, playing := engine.Position(210)
	require.False(t, playing)

	// a delayed play older than the stop must not resurrect output
	require.False(t, s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 100, IssuedAtMs: 55}, 220))
	require.False(t, s.Execute(Command{Kind: KindStop, IssuedAtMs: 60}, 220))
	_, playing = engine.Position(220)
	require.False(t, playing)
}

func TestIssueRequiresDirectorAndLock(t *testing.T) {
	testlog.Start(t)
	follower, _, _ := newTestScheduler(t, 0, false)
	_, err := follower.Issue(KindPlay, "obj", 0)
	require.ErrorIs(t, err, ErrNotDirector)

	director, _, clock := newTestScheduler(t, 0, true)
	clock.locked = false
	_, err = director.Issue(KindPlay, "obj", 0)
	require.ErrorIs(t, err, ErrClockUnlocked)

	clock.locked = true
	_, err = director.Issue(KindPlay, "", 0)
	require.ErrorIs(t, err, ErrNoObject)
	_, err = director.Issue("rewind", "obj", 0)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestIssueLookaheadWarmColdPlusRTT(t *testing.T) {
	testlog.Start(t)
	s, engine, clock := newTestScheduler(t, 1000, true)
	clock.rtt = 40

	cold, err := s.Issue(KindPlay, "obj", 5000)
	require.NoError(t, err)
	require.Equal(t, int64(6000), cold.IssuedAtMs)
	require.Equal(t, int64(6000+2600+40), cold.GlobalStartMs)

	engine.Prepare("obj", nil)
	warm, err := s.Issue(KindPlay, "obj", 5000)
	require.NoError(t, err)
	require.Equal(t, int64(6001), warm.IssuedAtMs, "issue stamps stay strictly increasing")
	require.Equal(t, int64(6000+1200+40), warm.GlobalStartMs)
}

func TestDirectorFeedbackUsesSamePath(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 300, true)
	engine.Prepare("obj", nil)
	cmd, err := s.Issue(KindPlay, "obj", 10_000)
	require.NoError(t, err)
	require.True(t, s.Execute(cmd, 10_000))
	_, local, ok := s.Pending()
	require.True(t, ok)
	require.Equal(t, cmd.GlobalStartMs-300, local)
	require.Equal(t, int64(10_000+1200), local)
}

func TestSignedDelayRecueIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	engine.Prepare("obj", nil)
	s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 1000, IssuedAtMs: 1}, 1000)

	const now = 6000 // 5s of global time elapsed, held fixed
	require.Equal(t, int64(-400), s.SetSignedDelay(-400, now))
	first, _ := engine.Position(now)
	require.Equal(t, int64(5400), first)
	require.Zero(t, engine.OutputDelay())

	s.SetSignedDelay(200, now)
	mid, _ := engine.Position(now)
	require.Equal(t, int64(5000), mid)
	require.Equal(t, int64(200), engine.OutputDelay())

	s.SetSignedDelay(-400, now)
	second, _ := engine.Position(now)
	require.Equal(t, first, second)
	require.Zero(t, engine.OutputDelay())

	align, _ := s.Alignment()
	require.Equal(t, int64(-400), align.SignedDelayMs)
}

func TestSignedDelayClamped(t *testing.T) {
	testlog.Start(t)
	s, _, _ := newTestScheduler(t, 0, false)
	require.Equal(t, int64(2500), s.SetSignedDelay(9000, 0))
	require.Equal(t, int64(-2500), s.SetSignedDelay(-9000, 0))
	require.Equal(t, int64(-2500), s.SignedDelay())
}

func TestRealignIgnoresJitterUnderThreshold(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	engine.Prepare("obj", nil)
	s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 1000, IssuedAtMs: 1}, 1000)

	require.False(t, s.Realign(3000))
	// engine drifts 10ms behind: tolerated
	engine.Cue(1990, 3000)
	require.False(t, s.Realign(3000))
	// 30ms behind: re-cued to the absolute position
	engine.Cue(1970, 3000)
	require.True(t, s.Realign(3000))
	pos, _ := engine.Position(3000)
	require.Equal(t, int64(2000), pos)
}

func TestDeferredStartWhenObjectNotPrepared(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 1000, IssuedAtMs: 1}, 1000)
	_, playing := engine.Position(1000)
	require.False(t, playing)
	_, aligned := s.Alignment()
	require.True(t, aligned)

	require.False(t, s.Realign(1500))
	engine.Prepare("obj", nil)
	require.True(t, s.Realign(1800))
	pos, playing := engine.Position(1800)
	require.True(t, playing)
	require.Equal(t, int64(800), pos)
}

func TestStopCancelsPendingAndAlignment(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	engine.Prepare("obj", nil)
	s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: 5000, IssuedAtMs: 1}, 1000)
	require.NotNil(t, s.Due())

	require.True(t, s.Execute(Command{Kind: KindStop, IssuedAtMs: 2}, 1100))
	require.Nil(t, s.Due())
	_, _, pending := s.Pending()
	require.False(t, pending)
	_, aligned := s.Alignment()
	require.False(t, aligned)

	// a fire racing the stop is a no-op
	s.Fire(5000)
	_, playing := engine.Position(5000)
	require.False(t, playing)
}

func TestNewerPlaySupersedesPending(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	engine.Prepare("a", nil)
	engine.Prepare("b", nil)
	s.Execute(Command{Kind: KindPlay, ObjectID: "a", GlobalStartMs: 5000, IssuedAtMs: 1}, 1000)
	s.Execute(Command{Kind: KindPlay, ObjectID: "b", GlobalStartMs: 6000, IssuedAtMs: 2}, 1100)
	cmd, local, ok := s.Pending()
	require.True(t, ok)
	require.Equal(t, "b", cmd.ObjectID)
	require.Equal(t, int64(6000), local)
}

func TestSelectRecordsTarget(t *testing.T) {
	testlog.Start(t)
	s, _, _ := newTestScheduler(t, 0, true)
	cmd, err := s.Issue(KindSelect, "obj", 100)
	require.NoError(t, err)
	require.True(t, s.Execute(cmd, 100))
	require.Equal(t, "obj", s.Selected())
}

func TestDueChannelFires(t *testing.T) {
	testlog.Start(t)
	s, engine, _ := newTestScheduler(t, 0, false)
	engine.Prepare("obj", nil)
	now := time.Now().UnixMilli()
	s.Execute(Command{Kind: KindPlay, ObjectID: "obj", GlobalStartMs: now + 20, IssuedAtMs: 1}, now)
	select {
	case <-s.Due():
		s.Fire(now + 20)
	case <-time.After(2 * time.Second):
		t.Fatalf("due timer never fired")
	}
	_, playing := engine.Position(now + 20)
	require.True(t, playing)
}
