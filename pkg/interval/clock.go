package interval

import "time"

// Clock is the timer facility used to schedule runs and bound them with a timeout.
type Clock interface {
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is a pending AfterFunc callback.
//
// Stop must be safe to call on a timer that already fired or was already stopped.
type Timer interface {
	Stop() bool
}

// SystemClock is backed by the time package.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (systemClock) Now() time.Time                            { return time.Now() }
