package mbus

import "time"

// TimerHandle cancels an armed timer. Cancel after firing is a harmless no-op.
type TimerHandle interface {
	Cancel()
}

// TimerService schedules a callback to fire once after a duration.
//
// The callback runs on the timer service's own execution context, concurrent
// with the caller of Arm.
type TimerService interface {
	Arm(d time.Duration, fn func()) TimerHandle
}

// SystemTimers returns a TimerService backed by the runtime timer facility.
func SystemTimers() TimerService {
	return sysTimers{}
}

type sysTimers struct{}

func (sysTimers) Arm(d time.Duration, fn func()) TimerHandle {
	return sysTimerHandle{t: time.AfterFunc(d, fn)}
}

type sysTimerHandle struct {
	t *time.Timer
}

func (h sysTimerHandle) Cancel() {
	h.t.Stop()
}
