// Package clock provides the single epoch-milliseconds time source used
// throughout cryptocomms: SegmentNumGenerator's reservation spin-wait,
// ReplayWindow's block timestamps, and Connection's last-hello bookkeeping.
package clock

import "time"

// NowMS returns the number of milliseconds since the Unix epoch.
//
// This is not a hardware monotonic clock — it is wall-clock time, and can
// jump backward under clock skew or NTP correction. Callers that need
// monotonicity guarantees (SegmentNumGenerator) must detect and react to
// a clock that fails to advance, rather than assume it never moves
// backward.
func NowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}
