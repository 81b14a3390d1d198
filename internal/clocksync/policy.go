package clocksync

import (
	"fmt"
	"time"
)

// OffsetPolicy decides whether a held-over offset may lock a new session.
type OffsetPolicy string

const (
	PolicyResumeCached OffsetPolicy = "resume-cached"
	PolicyAlwaysFresh  OffsetPolicy = "always-fresh"
)

func ParseOffsetPolicy(raw string) (OffsetPolicy, error) {
	switch OffsetPolicy(raw) {
	case "", PolicyResumeCached:
		return PolicyResumeCached, nil
	case PolicyAlwaysFresh:
		return PolicyAlwaysFresh, nil
	}
	return "", fmt.Errorf("clocksync: unknown offset policy %q", raw)
}

// AllowResume reports whether an offset saved at savedAt may be resumed at now.
// A zero maxAge means no age limit.
func (p OffsetPolicy) AllowResume(savedAt, now time.Time, maxAge time.Duration) bool {
	if p != PolicyResumeCached || savedAt.IsZero() {
		return false
	}
	if now.Before(savedAt) {
		return false
	}
	return maxAge <= 0 || now.Sub(savedAt) <= maxAge
}
