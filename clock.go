package rudp

import (
	"math"
	"math/rand/v2"
	"time"
)

// Clock schedules callbacks. Connections use it for retry, gap and
// keepalive timers.
type Clock interface {
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was already stopped.
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ChallengeFunc returns a fresh handshake challenge. It is called once per
// handshake step that needs a new value.
type ChallengeFunc func() int32

// randomChallenge keeps challenges below half the int32 range so the echo
// never wraps.
func randomChallenge() int32 {
	return rand.Int32N(math.MaxInt32 / 2)
}
