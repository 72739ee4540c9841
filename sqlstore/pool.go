package sqlstore

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Pool is a bounded pool of SQL connections with lazy creation up to max.
// When exhausted, Acquire suspends the caller on a FIFO wait queue;
// releasing a connection hands it to the oldest waiter, or pushes it back on
// the idle stack if none are waiting (spec §4.C).
//
// Connect failures trip a circuit breaker (github.com/sony/gobreaker,
// grounded on its use in the sibling pack repo jordigilh-kubernaut to guard
// outbound calls) so a pool whose backend is down fails Acquire fast instead
// of retrying a dead connect on every caller.
type Pool struct {
	connString string
	max        int

	mu      sync.Mutex
	idle    []*Conn
	total   int
	waiters *list.List // of chan acquireResult

	breaker *gobreaker.CircuitBreaker
}

type acquireResult struct {
	conn *Conn
	err  error
}

// NewPool constructs a pool bounded at max connections to connString.
func NewPool(connString string, max int) *Pool {
	p := &Pool{
		connString: connString,
		max:        max,
		waiters:    list.New(),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sqlstore.connect",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	return p
}

// Guard wraps an acquired Conn; Release returns it to the pool exactly once.
type Guard struct {
	pool *Pool
	conn *Conn
	done bool
}

// Conn returns the underlying connection.
func (g *Guard) Conn() *Conn { return g.conn }

// Release returns the connection to the pool, or discards it if broken.
// Idempotent.
func (g *Guard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.pool.release(g.conn)
}

// Acquire returns a Guard around a connection, lazily creating one if the
// pool has not reached max, or suspending on a FIFO wait queue if it has.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Guard{pool: p, conn: c}, nil
	}
	if p.total < p.max {
		p.total++
		p.mu.Unlock()
		conn, err := p.connect(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return &Guard{pool: p, conn: conn}, nil
	}

	ch := make(chan acquireResult, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &Guard{pool: p, conn: r.conn}, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (p *Pool) connect(ctx context.Context) (*Conn, error) {
	v, err := p.breaker.Execute(func() (interface{}, error) {
		return Connect(ctx, p.connString)
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: acquire: %w", err)
	}
	return v.(*Conn), nil
}

// release hands conn to the oldest waiter, or pushes it onto the idle
// stack. A broken connection is discarded and total decremented instead.
func (p *Pool) release(conn *Conn) {
	if conn.IsClosed() {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		ch := front.Value.(chan acquireResult)
		p.mu.Unlock()
		ch <- acquireResult{conn: conn}
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Total returns the current connection count (idle + in-use).
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Close shuts down every idle connection. The pool has no closed state:
// in-flight guards release normally, and their connections go back to a
// waiter or the idle stack (dax does not need graceful drain: the embedder
// is expected to stop its workers before closing pools).
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
