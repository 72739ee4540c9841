package kvstore

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is a single non-blocking K/V connection (TCP or local/unix socket).
// A coroutine-level mutex serializes access: concurrent Exec calls queue in
// FIFO order on the mutex (spec §4.D). Conn is safe for concurrent use by
// multiple goroutines for exactly this reason.
type Conn struct {
	nc net.Conn

	mu     sync.Mutex
	parser *Parser
	buf    []byte
	pos    int
}

// Dial opens network (e.g. "tcp" or "unix") at addr.
func Dial(network, addr string) (*Conn, error) {
	nc, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("kvstore: dial %s %s: %w", network, addr, err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an already-established net.Conn, bypassing Dial. Useful for
// embedders pooling non-TCP transports, and for tests driving the RESP2
// protocol over a net.Pipe() in-memory pair.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, parser: NewParser(), buf: make([]byte, 0, 4096)}
}

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.nc.Close() }

// Exec writes one RESP2 command and reads one response, holding the
// connection's mutex for the duration (single-command mode, spec §4.D).
func (c *Conn) Exec(argv [][]byte) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.nc.Write(EncodeCommand(argv)); err != nil {
		return Value{}, fmt.Errorf("kvstore: write: %w", err)
	}
	return c.readValueLocked()
}

// readValueLocked parses the next complete reply out of the connection,
// reading more bytes from the socket as needed. Must be called with mu held.
func (c *Conn) readValueLocked() (Value, error) {
	for {
		if c.pos < len(c.buf) {
			v, n, err := c.parser.Parse(c.buf[c.pos:])
			if err == nil {
				c.pos += n
				c.compact()
				return v, nil
			}
			if err != ErrIncomplete {
				return Value{}, fmt.Errorf("kvstore: parse: %w", err)
			}
		}
		if err := c.fill(); err != nil {
			return Value{}, err
		}
	}
}

func (c *Conn) fill() error {
	tail := len(c.buf)
	grow := bufReaderMinRead
	if cap(c.buf)-tail < grow {
		nb := make([]byte, tail, tail+grow)
		copy(nb, c.buf)
		c.buf = nb
	}
	c.buf = c.buf[:tail+grow]
	n, err := c.nc.Read(c.buf[tail : tail+grow])
	c.buf = c.buf[:tail+n]
	if n == 0 && err != nil {
		return fmt.Errorf("kvstore: read: %w", err)
	}
	return nil
}

// compact discards already-consumed prefix once it grows large, so the
// buffer does not grow unbounded across a long-lived connection.
func (c *Conn) compact() {
	if c.pos < 4096 {
		return
	}
	copy(c.buf, c.buf[c.pos:])
	c.buf = c.buf[:len(c.buf)-c.pos]
	c.pos = 0
}

// Pipeline is the multi-command mode: QueueCommand N times, Flush, then
// ReadResults(N). The connection's mutex is held from Pipeline() until
// Close(), serializing the whole batch against other callers (spec §4.D).
type Pipeline struct {
	conn    *Conn
	pending []byte
}

// Pipeline begins a pipelined exchange, locking the connection until Close.
func (c *Conn) Pipeline() *Pipeline {
	c.mu.Lock()
	return &Pipeline{conn: c}
}

// QueueCommand appends one encoded command to the pipeline's write buffer.
func (p *Pipeline) QueueCommand(argv [][]byte) {
	p.pending = append(p.pending, EncodeCommand(argv)...)
}

// Flush writes every queued command in one syscall.
func (p *Pipeline) Flush() error {
	if len(p.pending) == 0 {
		return nil
	}
	if _, err := p.conn.nc.Write(p.pending); err != nil {
		return fmt.Errorf("kvstore: flush pipeline: %w", err)
	}
	p.pending = p.pending[:0]
	return nil
}

// ReadResults reads exactly n pipelined replies, in submission order.
func (p *Pipeline) ReadResults(n int) ([]Value, error) {
	results := make([]Value, 0, n)
	for len(results) < n {
		v, err := p.conn.readValueLocked()
		if err != nil {
			return results, err
		}
		results = append(results, v)
	}
	return results, nil
}

// Close releases the connection's mutex, ending the pipeline.
func (p *Pipeline) Close() {
	p.conn.mu.Unlock()
}
