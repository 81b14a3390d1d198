package clocksync

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/swarmsync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// probe simulates one round trip with one-way delays up and down.
func probe(e *Estimator, sendLocal, offset, up, down int64) {
	server := sendLocal + up + offset
	recv := sendLocal + up + down
	e.AddSample(sendLocal, server, recv)
}

func TestSampleDerivedValues(t *testing.T) {
	testlog.Start(t)
	s := Sample{SendLocalMs: 1000, ServerMs: 1130, RecvLocalMs: 1020}
	require.Equal(t, int64(20), s.RTT())
	require.InDelta(t, 120.0, s.RawOffset(), 1e-9)
}

func TestUnlockedEstimateConvergesUnderJitter(t *testing.T) {
	testlog.Start(t)
	const trueOffset = 250
	rng := rand.New(rand.NewSource(42))
	e := New(DefaultConfig())
	for i := range 200 {
		up := 5 + rng.Int63n(20)
		down := 5 + rng.Int63n(20)
		if i%5 == 0 {
			// asymmetric path spike: large RTT, badly skewed raw offset
			up += 300
		}
		probe(e, int64(i)*200, trueOffset, up, down)
	}
	require.False(t, e.Locked())
	require.InDelta(t, trueOffset, e.CurrentOffsetMs(), 10)
}

func TestTrimmedMedianIgnoresHighRTTOutliers(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	for i := range 6 {
		probe(e, int64(i)*100, 100, 10, 10)
	}
	for i := range 4 {
		probe(e, 1000+int64(i)*100, 100, 500, 10)
	}
	// 10 samples keep 6, all of them the clean ones
	require.InDelta(t, 100.0, e.LiveOffsetMs(), 1e-9)
}

func TestLockedOffsetInvariantUnderNewSamples(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	for i := range 8 {
		probe(e, int64(i)*100, 120, 10, 10)
	}
	require.True(t, e.ShouldLock())
	require.NoError(t, e.LockBase())
	locked := e.CurrentOffsetMs()
	require.InDelta(t, 120.0, locked, 1e-9)

	for i := range 100 {
		probe(e, 10_000+int64(i)*100, 900, 10, 10)
		require.Equal(t, locked, e.CurrentOffsetMs())
	}
	require.InDelta(t, 900.0, e.LiveOffsetMs(), 1e-9)
	require.InDelta(t, 780.0, e.DriftMs(), 1e-9)
	require.Zero(t, e.Slew(time.Hour))
	require.Equal(t, locked, e.CurrentOffsetMs())
}

func TestLockWithoutSamplesFails(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	require.ErrorIs(t, e.LockBase(), ErrNoSamples)
	require.False(t, e.ShouldLock())
}

func TestResumeLocksImmediately(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	e.Resume(-42.5)
	require.True(t, e.Locked())
	require.Equal(t, -42.5, e.CurrentOffsetMs())
	probe(e, 0, 300, 10, 10)
	require.Equal(t, -42.5, e.CurrentOffsetMs())
}

func TestNegativeRTTDiscarded(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	require.False(t, e.AddSample(1000, 5000, 990))
	require.Zero(t, e.SampleCount())
}

func TestWindowEvictsOldest(t *testing.T) {
	testlog.Start(t)
	e := New(Config{Window: 5, MinKeep: 5})
	for i := range 5 {
		probe(e, int64(i)*100, 10, 10, 10)
	}
	for i := range 5 {
		probe(e, 1000+int64(i)*100, 70, 10, 10)
	}
	require.Equal(t, 5, e.SampleCount())
	require.InDelta(t, 70.0, e.LiveOffsetMs(), 1e-9)
}

func TestReleasedBaseSlewsWithRateCap(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	for i := range 6 {
		probe(e, int64(i)*100, 0, 10, 10)
	}
	require.NoError(t, e.LockBase())
	for i := range 40 {
		probe(e, 1000+int64(i)*100, 100, 10, 10)
	}
	e.Release()
	require.False(t, e.Locked())
	require.False(t, e.ShouldLock())

	rate := e.Slew(time.Second)
	require.Equal(t, 2.0, rate)
	require.InDelta(t, 2.0, e.CurrentOffsetMs(), 1e-9)

	for range 200 {
		e.Slew(time.Second)
		if e.ShouldLock() {
			break
		}
	}
	require.True(t, e.ShouldLock())
	require.Less(t, math.Abs(e.DriftMs()), 12.0)
	before := e.CurrentOffsetMs()
	require.NoError(t, e.LockBase())
	require.Equal(t, before, e.CurrentOffsetMs())
}

func TestCorrectionRateStartsAboveCorrectThreshold(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	for i := range 6 {
		probe(e, int64(i)*100, 0, 10, 10)
	}
	require.NoError(t, e.LockBase())

	for i := range 40 {
		probe(e, 1000+int64(i)*100, 20, 10, 10)
	}
	require.InDelta(t, 20.0, e.DriftMs(), 1e-9)
	require.Zero(t, e.CorrectionRateMsPerSec())

	for i := range 40 {
		probe(e, 5000+int64(i)*100, -50, 10, 10)
	}
	require.InDelta(t, -50.0, e.DriftMs(), 1e-9)
	require.Equal(t, -2.0, e.CorrectionRateMsPerSec())
}

func TestGlobalLocalConversion(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	e.Resume(120)
	require.Equal(t, int64(1120), e.GlobalMs(1000))
	require.Equal(t, int64(1380), e.LocalMs(1500))
}

func TestMedianRTT(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	probe(e, 0, 0, 5, 5)
	probe(e, 100, 0, 10, 10)
	probe(e, 200, 0, 20, 20)
	probe(e, 300, 0, 40, 40)
	require.InDelta(t, 30.0, e.MedianRTTMs(), 1e-9)
}

func TestOffsetPolicy(t *testing.T) {
	testlog.Start(t)
	p, err := ParseOffsetPolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyResumeCached, p)
	_, err = ParseOffsetPolicy("sometimes")
	require.Error(t, err)

	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	require.True(t, PolicyResumeCached.AllowResume(now.Add(-time.Hour), now, 12*time.Hour))
	require.False(t, PolicyResumeCached.AllowResume(now.Add(-13*time.Hour), now, 12*time.Hour))
	require.False(t, PolicyResumeCached.AllowResume(time.Time{}, now, 0))
	require.False(t, PolicyAlwaysFresh.AllowResume(now.Add(-time.Minute), now, 0))
}
