package kvstore

import (
	"fmt"
	"sync/atomic"
)

// Pool is a fixed-size array of K/V connections, fanned out round-robin by
// an atomic counter (spec §4.D). Pool creation is eager (unlike sqlstore's
// lazy bounded pool): a K/V pool's size is small and fixed per worker
// (kv_conns_per_worker), so there is no wait queue to model.
type Pool struct {
	conns []*Conn
	next  atomic.Uint64
}

// DialPool opens n connections to network/addr.
func DialPool(network, addr string, n int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("kvstore: pool size must be positive")
	}
	conns := make([]*Conn, n)
	for i := range conns {
		c, err := Dial(network, addr)
		if err != nil {
			for _, prior := range conns[:i] {
				_ = prior.Close()
			}
			return nil, fmt.Errorf("kvstore: dial conn %d/%d: %w", i+1, n, err)
		}
		conns[i] = c
	}
	return &Pool{conns: conns}, nil
}

// NewPool builds a Pool around already-established connections, bypassing
// DialPool. Useful for embedders supplying their own transport and for
// tests wiring fake/in-memory connections.
func NewPool(conns ...*Conn) (*Pool, error) {
	if len(conns) == 0 {
		return nil, fmt.Errorf("kvstore: pool size must be positive")
	}
	return &Pool{conns: conns}, nil
}

// Next returns the next connection in round-robin order. Lock-free: under
// balanced load, contention per connection is rare (spec §4.D).
func (p *Pool) Next() *Conn {
	i := p.next.Add(1) - 1
	return p.conns[i%uint64(len(p.conns))]
}

// Size returns the number of connections in the pool.
func (p *Pool) Size() int { return len(p.conns) }

// Close closes every connection in the pool.
func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
