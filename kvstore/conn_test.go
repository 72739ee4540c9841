package kvstore

import (
	"net"
	"testing"
	"time"
)

func newTestConnPair(t *testing.T) (client *Conn, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	return NewConn(c), s
}

func TestConnExecRoundTrip(t *testing.T) {
	client, server := newTestConnPair(t)
	defer server.Close()

	serverGotWrite := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := server.Read(buf)
		serverGotWrite <- append([]byte(nil), buf[:n]...)
		_, _ = server.Write([]byte("+OK\r\n"))
	}()

	v, err := client.Exec([][]byte{[]byte("SET"), []byte("k"), []byte("v")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != KindSimpleString {
		t.Fatalf("kind = %v, want KindSimpleString", v.Kind)
	}

	select {
	case got := <-serverGotWrite:
		want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
		if string(got) != want {
			t.Fatalf("server saw %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("server never observed the write")
	}
}

func TestConnExecPropagatesWriteError(t *testing.T) {
	client, server := newTestConnPair(t)
	server.Close() // closing the peer makes the next Write fail
	_, err := client.Exec([][]byte{[]byte("PING")})
	if err == nil {
		t.Fatal("expected an error writing to a closed peer")
	}
}

func TestConnPipelineRoundTrip(t *testing.T) {
	client, server := newTestConnPair(t)
	defer server.Close()

	go func() {
		buf := make([]byte, 256)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("+OK\r\n:7\r\n"))
	}()

	p := client.Pipeline()
	p.QueueCommand([][]byte{[]byte("SET"), []byte("k"), []byte("v")})
	p.QueueCommand([][]byte{[]byte("INCR"), []byte("ctr")})
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	results, err := p.ReadResults(2)
	p.Close()
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Kind != KindSimpleString {
		t.Fatalf("results[0].Kind = %v, want KindSimpleString", results[0].Kind)
	}
	if results[1].Kind != KindInteger || results[1].Int != 7 {
		t.Fatalf("results[1] = %+v, want Integer 7", results[1])
	}
}

func TestConnPipelineSerializesAgainstExec(t *testing.T) {
	client, server := newTestConnPair(t)
	defer server.Close()
	go func() {
		buf := make([]byte, 256)
		server.Read(buf)
		server.Write([]byte("+OK\r\n"))
	}()

	p := client.Pipeline()
	execDone := make(chan struct{})
	go func() {
		_, _ = client.Exec([][]byte{[]byte("PING")})
		close(execDone)
	}()

	select {
	case <-execDone:
		t.Fatal("Exec should block while the pipeline holds the connection mutex")
	case <-time.After(20 * time.Millisecond):
	}
	p.Close()

	select {
	case <-execDone:
	case <-time.After(time.Second):
		t.Fatal("Exec should proceed once the pipeline releases the mutex")
	}
}
