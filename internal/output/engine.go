// Package output is the boundary to the local playback device.
//
// The scheduler only ever talks to an Engine: it hands over prepared buffers,
// starts them at a local instant and position, and re-cues when alignment
// drifts. Every instant and position is in milliseconds on the local clock.
package output

import "errors"

var (
	ErrNotPrepared = errors.New("output: object not prepared")
	ErrNotPlaying  = errors.New("output: nothing playing")
)

type Engine interface {
	// Prepare decodes data for objectID so a later Start is warm.
	Prepare(objectID string, data []byte) error
	Prepared(objectID string) bool
	// Start begins objectID at positionMs as of local instant atLocalMs,
	// replacing whatever is playing.
	Start(objectID string, atLocalMs, positionMs int64) error
	// Cue jumps the running output to positionMs as of nowLocalMs.
	Cue(positionMs, nowLocalMs int64) error
	// Position is the playback position at nowLocalMs.
	Position(nowLocalMs int64) (positionMs int64, playing bool)
	// SetOutputDelay adds a fixed output-path latency, never negative.
	SetOutputDelay(ms int64)
	OutputDelay() int64
	Stop()
}
