package provider

import (
	"time"

	"github.com/axis9/dax/eventloop"
)

// loopTimer adapts an eventloop.Loop to scheduler.DepartureTimer, so a
// worker's batch departures are serviced on its own loop goroutine (spec
// §4.A) rather than on an ad hoc runtime timer goroutine. Defined here
// instead of in package scheduler to avoid an import cycle: eventloop does
// not depend on scheduler, and this adapter is the one place that needs
// both.
type loopTimer struct {
	loop *eventloop.Loop
}

func (t loopTimer) AfterFunc(d time.Duration, f func()) func() {
	token, err := t.loop.PostDelayed(d, f)
	if err != nil {
		// The loop is stopped; run immediately rather than losing the
		// departure entirely. Matches scheduler's "never silently drop an
		// accumulated entry" discipline.
		go f()
		return func() {}
	}
	return func() { _ = t.loop.CancelTimer(token) }
}
