package session

import (
	"context"
	"time"
)

var nopCtx = context.Background()

// timeNow is a thin indirection over time.Now so the read-deadline poll in
// recvFrom reads clearly at the call site; no test currently overrides it,
// but ticks elsewhere in this package take `nowMs int64` explicitly instead
// of calling time.Now() themselves, which is what makes those paths
// deterministically testable.
func timeNow() time.Time {
	return time.Now()
}

// nowMs returns the current time in milliseconds, the unit every tick/timer
// field in this package is expressed in (§3, §4.4, §4.6).
func nowMs() int64 {
	return time.Now().UnixMilli()
}
