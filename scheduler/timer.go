package scheduler

import "time"

// DepartureTimer schedules a batch's departure after a Nagle-style delay.
// The default StdTimer wraps time.AfterFunc directly; a worker wired to a
// real eventloop.Loop instead adapts loop.PostDelayed/CancelTimer to this
// interface (see provider's loop-timer adapter), so departures are serviced
// on the loop goroutine per spec §4.A rather than on an ad hoc runtime timer
// goroutine.
type DepartureTimer interface {
	// AfterFunc schedules f to run after d and returns a cancel function.
	// Cancellation is best-effort, matching spec §4.A's CancelTimer.
	AfterFunc(d time.Duration, f func()) (cancel func())
}

// StdTimer is the default DepartureTimer, backed by the Go runtime timer
// wheel. Suitable for tests and for embedders that do not wire a dedicated
// eventloop.Loop per worker.
type StdTimer struct{}

func (StdTimer) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}
