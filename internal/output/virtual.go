package output

import (
	"github.com/rs/zerolog/log"
)

// Event is one recorded engine transition.
type Event struct {
	Kind       string
	ObjectID   string
	AtLocalMs  int64
	PositionMs int64
}

// Virtual is a clocked engine without a device: position advances with the
// local clock passed by the caller and every transition is logged. It is owned
// by the node event loop and is not safe for concurrent use.
type Virtual struct {
	node     string
	prepared map[string]int

	playing   string
	anchorMs  int64
	anchorPos int64
	delayMs   int64

	events []Event
}

func NewVirtual(node string) *Virtual {
	return &Virtual{node: node, prepared: make(map[string]int)}
}

func (v *Virtual) Prepare(objectID string, data []byte) error {
	v.prepared[objectID] = len(data)
	log.Debug().Msgf("output.Virtual.Prepare node=%s object=%s bytes=%d", v.node, objectID, len(data))
	return nil
}

func (v *Virtual) Prepared(objectID string) bool {
	_, ok := v.prepared[objectID]
	return ok
}

func (v *Virtual) Start(objectID string, atLocalMs, positionMs int64) error {
	if !v.Prepared(objectID) {
		return ErrNotPrepared
	}
	v.playing = objectID
	v.anchorMs = atLocalMs
	v.anchorPos = max(0, positionMs)
	v.record("start", atLocalMs)
	log.Info().Msgf(
		"output.Virtual.Start node=%s object=%s at_local_ms=%d position_ms=%d delay_ms=%d",
		v.node, objectID, atLocalMs, v.anchorPos, v.delayMs,
	)
	return nil
}

func (v *Virtual) Cue(positionMs, nowLocalMs int64) error {
	if v.playing == "" {
		return ErrNotPlaying
	}
	v.anchorMs = nowLocalMs
	v.anchorPos = max(0, positionMs)
	v.record("cue", nowLocalMs)
	log.Debug().Msgf("output.Virtual.Cue node=%s object=%s position_ms=%d", v.node, v.playing, v.anchorPos)
	return nil
}

func (v *Virtual) Position(nowLocalMs int64) (int64, bool) {
	if v.playing == "" {
		return 0, false
	}
	return v.anchorPos + max(0, nowLocalMs-v.anchorMs), true
}

func (v *Virtual) SetOutputDelay(ms int64) {
	v.delayMs = max(0, ms)
}

func (v *Virtual) OutputDelay() int64 { return v.delayMs }

// Playing returns the object currently started, if any.
func (v *Virtual) Playing() (string, bool) {
	return v.playing, v.playing != ""
}

func (v *Virtual) Stop() {
	if v.playing == "" {
		return
	}
	log.Info().Msgf("output.Virtual.Stop node=%s object=%s", v.node, v.playing)
	v.record("stop", v.anchorMs)
	v.playing = ""
}

// Events returns a copy of the recorded transitions.
func (v *Virtual) Events() []Event {
	return append([]Event(nil), v.events...)
}

func (v *Virtual) record(kind string, at int64) {
	v.events = append(v.events, Event{Kind: kind, ObjectID: v.playing, AtLocalMs: at, PositionMs: v.anchorPos})
}
