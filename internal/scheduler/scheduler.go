package scheduler

import (
	"fmt"
	"time"

	"github.com/danmuck/swarmsync/internal/observability"
	"github.com/danmuck/swarmsync/internal/output"
	"github.com/rs/zerolog/log"
)

// Clock is the view of the clock estimator the scheduler needs.
type Clock interface {
	Locked() bool
	GlobalMs(localMs int64) int64
	LocalMs(globalMs int64) int64
	MedianRTTMs() float64
}

// Authority reports whether this node currently holds the director role.
type Authority interface {
	IsSelf() bool
}

type Config struct {
	// WarmLookahead applies when the target is already prepared locally.
	WarmLookahead time.Duration
	ColdLookahead time.Duration
	// MaxSignedDelayMs bounds the operator lead/lag correction both ways.
	MaxSignedDelayMs int64
	RecueThresholdMs int64
}

func DefaultConfig() Config {
	return Config{
		WarmLookahead:    1200 * time.Millisecond,
		ColdLookahead:    2600 * time.Millisecond,
		MaxSignedDelayMs: 2500,
		RecueThresholdMs: 12,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WarmLookahead <= 0 {
		c.WarmLookahead = def.WarmLookahead
	}
	if c.ColdLookahead < c.WarmLookahead {
		c.ColdLookahead = max(def.ColdLookahead, c.WarmLookahead)
	}
	if c.MaxSignedDelayMs <= 0 {
		c.MaxSignedDelayMs = def.MaxSignedDelayMs
	}
	if c.RecueThresholdMs <= 0 {
		c.RecueThresholdMs = def.RecueThresholdMs
	}
	return c
}

// Scheduler is owned by the node event loop; it is not safe for concurrent use.
type Scheduler struct {
	cfg       Config
	node      string
	clock     Clock
	authority Authority
	engine    output.Engine

	lastIssuedAt  int64
	lastAppliedAt int64

	pending      *Command
	pendingLocal int64
	timer        *time.Timer

	align       *Alignment
	signedDelay int64
	selected    string
}

func New(cfg Config, node string, clock Clock, authority Authority, engine output.Engine) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		node:      node,
		clock:     clock,
		authority: authority,
		engine:    engine,
	}
}

// Lookahead is the start margin for objectID: warm or cold plus one median RTT.
func (s *Scheduler) Lookahead(objectID string) time.Duration {
	base := s.cfg.ColdLookahead
	if s.engine.Prepared(objectID) {
		base = s.cfg.WarmLookahead
	}
	return base + time.Duration(s.clock.MedianRTTMs()*float64(time.Millisecond))
}

// Issue builds a director command stamped with global time. The caller
// broadcasts it and feeds it back into Execute.
func (s *Scheduler) Issue(kind Kind, objectID string, nowLocalMs int64) (Command, error) {
	if !s.authority.IsSelf() {
		return Command{}, ErrNotDirector
	}
	if !s.clock.Locked() {
		return Command{}, ErrClockUnlocked
	}
	globalNow := s.clock.GlobalMs(nowLocalMs)
	issued := max(globalNow, s.lastIssuedAt+1, s.lastAppliedAt+1)
	s.lastIssuedAt = issued

	cmd := Command{Kind: kind, ObjectID: objectID, IssuedAtMs: issued, IssuerID: s.node}
	switch kind {
	case KindPlay:
		if objectID == "" {
			return Command{}, ErrNoObject
		}
		cmd.GlobalStartMs = globalNow + s.Lookahead(objectID).Milliseconds()
	case KindSelect:
		if objectID == "" {
			return Command{}, ErrNoObject
		}
	case KindStop:
		cmd.ObjectID = ""
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	log.Info().Msgf("scheduler.Scheduler.Issue node=%s %s", s.node, cmd)
	return cmd, nil
}

// Execute applies a command and reports whether it was applied. Commands not
// newer than the last applied one are stale and dropped. Unstamped commands
// are never considered stale.
func (s *Scheduler) Execute(cmd Command, nowLocalMs int64) bool {
	if cmd.IssuedAtMs != 0 && cmd.IssuedAtMs <= s.lastAppliedAt {
		log.Debug().Msgf(
			"scheduler.Scheduler.Execute stale node=%s %s last_applied=%d",
			s.node, cmd, s.lastAppliedAt,
		)
		return false
	}
	if cmd.IssuedAtMs != 0 {
		s.lastAppliedAt = cmd.IssuedAtMs
	}

	switch cmd.Kind {
	case KindPlay:
		s.schedule(cmd, nowLocalMs)
	case KindStop:
		s.Stop()
	case KindSelect:
		s.selected = cmd.ObjectID
		log.Info().Msgf("scheduler.Scheduler.Execute select node=%s object=%s", s.node, cmd.ObjectID)
	default:
		log.Warn().Msgf("scheduler.Scheduler.Execute unknown kind node=%s kind=%q", s.node, cmd.Kind)
		return false
	}
	return true
}

// LocalStartMs converts a global start instant into the local clock.
func (s *Scheduler) LocalStartMs(globalStartMs int64) int64 {
	return s.clock.LocalMs(globalStartMs)
}

func (s *Scheduler) schedule(cmd Command, nowLocalMs int64) {
	s.cancelTimer()
	if !s.clock.Locked() {
		log.Warn().Msgf("scheduler.Scheduler.schedule unlocked clock node=%s %s", s.node, cmd)
	}
	local := s.LocalStartMs(cmd.GlobalStartMs)
	c := cmd
	s.pending = &c
	s.pendingLocal = local
	if wait := local - nowLocalMs; wait > 0 {
		s.timer = time.NewTimer(time.Duration(wait) * time.Millisecond)
		log.Debug().Msgf(
			"scheduler.Scheduler.schedule node=%s object=%s local_start=%d wait_ms=%d",
			s.node, cmd.ObjectID, local, wait,
		)
		return
	}
	if local < nowLocalMs {
		late := time.Duration(nowLocalMs-local) * time.Millisecond
		log.Warn().Msgf(
			"scheduler.Scheduler.schedule late start node=%s object=%s late_ms=%d",
			s.node, cmd.ObjectID, late.Milliseconds(),
		)
		observability.RecordLateStart(s.node, late)
	}
	s.Fire(nowLocalMs)
}

// Due fires when the pending start instant arrives; nil when nothing is pending.
func (s *Scheduler) Due() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

// Pending returns the command waiting for its start instant and its local instant.
func (s *Scheduler) Pending() (Command, int64, bool) {
	if s.pending == nil {
		return Command{}, 0, false
	}
	return *s.pending, s.pendingLocal, true
}

// Fire starts the pending command at the position implied by nowLocalMs.
func (s *Scheduler) Fire(nowLocalMs int64) {
	s.timer = nil
	if s.pending == nil {
		return
	}
	cmd := *s.pending
	s.pending = nil

	s.align = &Alignment{
		ObjectID:              cmd.ObjectID,
		StartedAtGlobalMs:     cmd.GlobalStartMs,
		LocalScheduleAnchorMs: s.pendingLocal,
		SignedDelayMs:         s.signedDelay,
	}
	s.engine.SetOutputDelay(max(0, s.signedDelay))
	pos := s.desiredPosition(nowLocalMs)
	if err := s.engine.Start(cmd.ObjectID, nowLocalMs, pos); err != nil {
		// alignment stays; Realign starts the engine once the object is prepared
		s.engine.Stop()
		log.Warn().Msgf("scheduler.Scheduler.Fire start deferred node=%s object=%s err=%v", s.node, cmd.ObjectID, err)
		return
	}
	log.Info().Msgf("scheduler.Scheduler.Fire node=%s object=%s position_ms=%d", s.node, cmd.ObjectID, pos)
}

// desiredPosition is elapsed global time since the start instant plus the
// lead realized by a negative signed delay.
func (s *Scheduler) desiredPosition(nowLocalMs int64) int64 {
	if s.align == nil {
		return 0
	}
	elapsed := s.clock.GlobalMs(nowLocalMs) - s.align.StartedAtGlobalMs
	return max(0, elapsed) + max(0, -s.align.SignedDelayMs)
}

// SetSignedDelay sets the operator correction, clamped to the configured
// bound, and re-anchors a running alignment. It returns the applied value.
func (s *Scheduler) SetSignedDelay(ms int64, nowLocalMs int64) int64 {
	ms = max(-s.cfg.MaxSignedDelayMs, min(s.cfg.MaxSignedDelayMs, ms))
	s.signedDelay = ms
	s.engine.SetOutputDelay(max(0, ms))
	if s.align != nil {
		s.align.SignedDelayMs = ms
		s.Realign(nowLocalMs)
	}
	return ms
}

func (s *Scheduler) SignedDelay() int64 { return s.signedDelay }

// Realign re-cues the engine when it strays from the desired position by more
// than the threshold, or starts it when a deferred object became ready. It
// reports whether the engine was touched.
func (s *Scheduler) Realign(nowLocalMs int64) bool {
	if s.align == nil {
		return false
	}
	desired := s.desiredPosition(nowLocalMs)
	cur, playing := s.engine.Position(nowLocalMs)
	if !playing {
		if err := s.engine.Start(s.align.ObjectID, nowLocalMs, desired); err != nil {
			return false
		}
		log.Info().Msgf("scheduler.Scheduler.Realign deferred start node=%s object=%s position_ms=%d", s.node, s.align.ObjectID, desired)
		return true
	}
	drift := cur - desired
	if drift >= -s.cfg.RecueThresholdMs && drift <= s.cfg.RecueThresholdMs {
		return false
	}
	if err := s.engine.Cue(desired, nowLocalMs); err != nil {
		log.Warn().Msgf("scheduler.Scheduler.Realign cue failed node=%s err=%v", s.node, err)
		return false
	}
	observability.RecordRecue(s.node)
	log.Debug().Msgf("scheduler.Scheduler.Realign recue node=%s drift_ms=%d position_ms=%d", s.node, drift, desired)
	return true
}

// Alignment returns a copy of the running alignment.
func (s *Scheduler) Alignment() (Alignment, bool) {
	if s.align == nil {
		return Alignment{}, false
	}
	return *s.align, true
}

func (s *Scheduler) Selected() string { return s.selected }

// Stop cancels any pending start, stops output and drops the alignment.
func (s *Scheduler) Stop() {
	s.cancelTimer()
	s.pending = nil
	s.align = nil
	s.engine.Stop()
}

func (s *Scheduler) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
