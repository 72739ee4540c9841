// Package eventloop implements dax's per-worker event loop: readiness-based
// I/O watches, posted callbacks, and monotonic timers, all serviced from a
// single goroutine. It is modeled on the teacher's worker-dispatch shape
// (warming/worker_pool.go's runWorker select-loop over a task channel and a
// stop channel) generalized to watch arbitrary file descriptors and run a
// timer heap, per spec §4.A.
//
// Only Post, PostDelayed, CancelTimer and Stop may be called from goroutines
// other than the loop's own; everything else (AddWatch, UpdateWatch,
// RemoveWatch, Run, RunUntil, RunOnce) must run on the loop goroutine.
package eventloop

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
)

// Events is a bitmask of readiness conditions.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
	ErrorEvent
)

// Callback is invoked on the loop goroutine with the events that fired.
type Callback func(actual Events)

// WatchHandle identifies a registered watch. Monotonically increasing;
// RemoveWatch is idempotent.
type WatchHandle uint64

// TimerToken identifies a scheduled callback for cancellation.
type TimerToken uint64

var errClosed = errors.New("eventloop: loop is stopped")

type watch struct {
	fd     int
	events Events
	cb     Callback
	active bool
}

type timer struct {
	deadline time.Time
	seq      uint64 // FIFO tiebreak for equal deadlines
	token    TimerToken
	cb       func()
	canceled bool
	index    int
}

// timerHeap is a min-heap ordered by (deadline, seq).
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Poller abstracts the OS readiness primitive (epoll/kqueue/poll). Production
// builds back it with golang.org/x/sys/unix; tests use a fake.
type Poller interface {
	// Add registers fd for the given events.
	Add(fd int, events Events) error
	// Modify changes the watched events for fd.
	Modify(fd int, events Events) error
	// Remove stops watching fd.
	Remove(fd int) error
	// Wait blocks up to timeout for ready fds, returning (fd, events) pairs.
	Wait(timeout time.Duration) ([]ReadyFD, error)
	// Close releases the poller's OS resources.
	Close() error
}

// ReadyFD is one readiness result from Poller.Wait.
type ReadyFD struct {
	FD     int
	Events Events
}

// Loop is a single-threaded, readiness-based event loop.
type Loop struct {
	poller Poller

	// Fields below this line are owned by the loop goroutine only, except
	// where guarded by mu.
	watches   map[WatchHandle]*watch
	nextWatch uint64

	timers    timerHeap
	timerSeq  uint64
	nextTimer uint64

	mu      sync.Mutex
	posted  []func()
	stopped bool

	wakeR, wakeW int // wakeup pipe, drained each epoch
}

// New constructs a Loop backed by poller. Construction failure (e.g. the
// underlying epoll/kqueue create call failing) is returned directly, as
// spec §4.A requires: "creation of the loop fails hard with a descriptive
// error."
func New(poller Poller) (*Loop, error) {
	if poller == nil {
		return nil, fmt.Errorf("eventloop: nil poller")
	}
	r, w, err := wakeupPipe()
	if err != nil {
		return nil, fmt.Errorf("eventloop: wakeup pipe: %w", err)
	}
	l := &Loop{
		poller:  poller,
		watches: make(map[WatchHandle]*watch),
		wakeR:   r,
		wakeW:   w,
	}
	if err := poller.Add(r, Readable); err != nil {
		return nil, fmt.Errorf("eventloop: watch wakeup fd: %w", err)
	}
	return l, nil
}

func wakeupPipe() (r, w int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// AddWatch registers interest in fd for the given events. Must be called
// from the loop goroutine.
func (l *Loop) AddWatch(fd int, events Events, cb Callback) (WatchHandle, error) {
	if cb == nil {
		return 0, fmt.Errorf("eventloop: nil callback")
	}
	if err := l.poller.Add(fd, events); err != nil {
		return 0, fmt.Errorf("eventloop: add watch fd=%d: %w", fd, err)
	}
	l.nextWatch++
	h := WatchHandle(l.nextWatch)
	l.watches[h] = &watch{fd: fd, events: events, cb: cb, active: true}
	return h, nil
}

// UpdateWatch changes the watched events for a handle. Monotonic: calling it
// on a removed handle is a no-op.
func (l *Loop) UpdateWatch(h WatchHandle, events Events) error {
	w, ok := l.watches[h]
	if !ok || !w.active {
		return nil
	}
	if err := l.poller.Modify(w.fd, events); err != nil {
		return fmt.Errorf("eventloop: modify watch fd=%d: %w", w.fd, err)
	}
	w.events = events
	return nil
}

// RemoveWatch unregisters a handle. Idempotent.
func (l *Loop) RemoveWatch(h WatchHandle) error {
	w, ok := l.watches[h]
	if !ok || !w.active {
		return nil
	}
	w.active = false
	delete(l.watches, h)
	if err := l.poller.Remove(w.fd); err != nil {
		return fmt.Errorf("eventloop: remove watch fd=%d: %w", w.fd, err)
	}
	return nil
}

// Post enqueues cb to run on the loop goroutine and wakes a blocked Wait.
// Safe to call from any goroutine.
func (l *Loop) Post(cb func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return errClosed
	}
	l.posted = append(l.posted, cb)
	l.mu.Unlock()
	return l.wake()
}

func (l *Loop) wake() error {
	_, err := syscall.Write(l.wakeW, []byte{0})
	if err != nil && !errors.Is(err, syscall.EAGAIN) {
		return fmt.Errorf("eventloop: wake: %w", err)
	}
	return nil
}

// PostDelayed schedules cb to run after duration d, on the loop goroutine.
// Firing order is by deadline then FIFO for equal deadlines. Safe to call
// from any goroutine.
func (l *Loop) PostDelayed(d time.Duration, cb func()) (TimerToken, error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0, errClosed
	}
	l.nextTimer++
	token := TimerToken(l.nextTimer)
	l.timerSeq++
	t := &timer{deadline: time.Now().Add(d), seq: l.timerSeq, token: token, cb: cb}
	l.mu.Unlock()

	if err := l.Post(func() {
		heap.Push(&l.timers, t)
	}); err != nil {
		return 0, err
	}
	return token, nil
}

// CancelTimer best-effort cancels a pending timer. It may still fire if
// already dequeued by the loop when this is called.
func (l *Loop) CancelTimer(token TimerToken) error {
	return l.Post(func() {
		for _, t := range l.timers {
			if t.token == token {
				t.canceled = true
				return
			}
		}
	})
}

// drainPosted runs every callback queued by Post since the last drain.
func (l *Loop) drainPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, cb := range posted {
		cb()
	}
}

// fireExpiredTimers runs every timer whose deadline has passed and returns
// the duration until the next pending deadline, or -1 if none remain.
func (l *Loop) fireExpiredTimers(now time.Time) time.Duration {
	for l.timers.Len() > 0 {
		next := l.timers[0]
		if next.canceled {
			heap.Pop(&l.timers)
			continue
		}
		if next.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		next.cb()
	}
	if l.timers.Len() == 0 {
		return -1
	}
	return l.timers[0].deadline.Sub(now)
}

// drainWakeup consumes every byte written by wake() this epoch.
func (l *Loop) drainWakeup() {
	buf := make([]byte, 64)
	for {
		n, err := syscall.Read(l.wakeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

const defaultWaitTimeout = 100 * time.Millisecond

// RunOnce executes a single epoch: drain posted callbacks, fire expired
// timers (rearming the next deadline), block in the readiness wait for up to
// timeout (or the nearest deadline, or defaultWaitTimeout), dispatch ready
// fds, then drain posted callbacks and timers once more.
func (l *Loop) RunOnce(timeout time.Duration) error {
	l.drainPosted()
	waitFor := l.fireExpiredTimers(time.Now())

	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if waitFor >= 0 && waitFor < timeout {
		timeout = waitFor
	}

	ready, err := l.poller.Wait(timeout)
	if err != nil {
		return fmt.Errorf("eventloop: poll wait: %w", err)
	}

	for _, r := range ready {
		if r.FD == l.wakeR {
			l.drainWakeup()
			continue
		}
		for _, w := range l.watches {
			if w.active && w.fd == r.FD {
				w.cb(r.Events)
			}
		}
	}

	l.drainPosted()
	l.fireExpiredTimers(time.Now())
	return nil
}

// Run drives the loop until Stop is called.
func (l *Loop) Run() error {
	return l.RunUntil(func() bool {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		return stopped
	})
}

// RunUntil drives the loop until predicate returns true, checked once per
// epoch.
func (l *Loop) RunUntil(predicate func() bool) error {
	for !predicate() {
		if err := l.RunOnce(0); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests the loop to exit at the end of the current or next epoch.
// Safe to call from any goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	_ = l.wake()
}

// Close releases the loop's poller and wakeup pipe. Call after Run returns.
func (l *Loop) Close() error {
	_ = syscall.Close(l.wakeR)
	_ = syscall.Close(l.wakeW)
	return l.poller.Close()
}
