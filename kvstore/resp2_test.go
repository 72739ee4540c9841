package kvstore

import (
	"bytes"
	"testing"
)

func TestEncodeCommandSimpleArray(t *testing.T) {
	got := EncodeCommand([][]byte{[]byte("SET"), []byte("k"), []byte("v")})
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseSimpleString(t *testing.T) {
	p := NewParser()
	v, n, err := p.Parse([]byte("+OK\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("consumed = %d, want 5", n)
	}
	if v.Kind != KindSimpleString {
		t.Fatalf("kind = %v, want KindSimpleString", v.Kind)
	}
	if string(v.Str(&p.arena)) != "OK" {
		t.Fatalf("value = %q, want OK", v.Str(&p.arena))
	}
}

func TestParseError(t *testing.T) {
	p := NewParser()
	v, n, err := p.Parse([]byte("-ERR bad thing\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindError {
		t.Fatalf("kind = %v, want KindError", v.Kind)
	}
	if n != len("-ERR bad thing\r\n") {
		t.Fatalf("consumed = %d, want %d", n, len("-ERR bad thing\r\n"))
	}
}

func TestParseInteger(t *testing.T) {
	p := NewParser()
	v, n, err := p.Parse([]byte(":1000\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindInteger || v.Int != 1000 {
		t.Fatalf("got kind=%v int=%d, want Integer 1000", v.Kind, v.Int)
	}
	if n != 7 {
		t.Fatalf("consumed = %d, want 7", n)
	}
}

func TestParseIntegerRejectsMalformed(t *testing.T) {
	p := NewParser()
	_, _, err := p.Parse([]byte(":abc\r\n"))
	if err == nil {
		t.Fatal("expected an error for a non-numeric integer reply")
	}
}

func TestParseBulkString(t *testing.T) {
	p := NewParser()
	v, n, err := p.Parse([]byte("$5\r\nhello\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindBulkString {
		t.Fatalf("kind = %v, want KindBulkString", v.Kind)
	}
	if !bytes.Equal(v.Str(&p.arena), []byte("hello")) {
		t.Fatalf("value = %q, want hello", v.Str(&p.arena))
	}
	if n != len("$5\r\nhello\r\n") {
		t.Fatalf("consumed = %d, want %d", n, len("$5\r\nhello\r\n"))
	}
}

func TestParseBulkStringNil(t *testing.T) {
	p := NewParser()
	v, n, err := p.Parse([]byte("$-1\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNil() {
		t.Fatal("a $-1 bulk string should parse as Nil")
	}
	if n != 5 {
		t.Fatalf("consumed = %d, want 5", n)
	}
}

func TestParseBulkStringIncompleteWhenBodyMissing(t *testing.T) {
	p := NewParser()
	_, n, err := p.Parse([]byte("$5\r\nhel"))
	if err != ErrIncomplete {
		t.Fatalf("got %v, want ErrIncomplete", err)
	}
	if n != 0 {
		t.Fatalf("consumed = %d, want 0 on incomplete", n)
	}
}

func TestParseBulkStringRejectsMissingTerminator(t *testing.T) {
	p := NewParser()
	_, _, err := p.Parse([]byte("$5\r\nhelloXX"))
	if err == nil {
		t.Fatal("expected an error when the bulk string terminator is corrupted")
	}
}

func TestParseArrayNested(t *testing.T) {
	p := NewParser()
	msg := "*2\r\n$3\r\nfoo\r\n:42\r\n"
	v, n, err := p.Parse([]byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindArray {
		t.Fatalf("kind = %v, want KindArray", v.Kind)
	}
	kids := v.Array()
	if len(kids) != 2 {
		t.Fatalf("len(kids) = %d, want 2", len(kids))
	}
	if string(kids[0].Str(&p.arena)) != "foo" {
		t.Fatalf("kids[0] = %q, want foo", kids[0].Str(&p.arena))
	}
	if kids[1].Kind != KindInteger || kids[1].Int != 42 {
		t.Fatalf("kids[1] = %+v, want Integer 42", kids[1])
	}
	if n != len(msg) {
		t.Fatalf("consumed = %d, want %d", n, len(msg))
	}
}

func TestParseArrayNil(t *testing.T) {
	p := NewParser()
	v, n, err := p.Parse([]byte("*-1\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNil() {
		t.Fatal("a *-1 array should parse as Nil")
	}
	if n != 5 {
		t.Fatalf("consumed = %d, want 5", n)
	}
}

func TestParseIncompleteAtBoundary(t *testing.T) {
	p := NewParser()
	_, n, err := p.Parse([]byte("+OK"))
	if err != ErrIncomplete {
		t.Fatalf("got %v, want ErrIncomplete for a message missing its terminator", err)
	}
	if n != 0 {
		t.Fatalf("consumed = %d, want 0", n)
	}
}

func TestParseUnknownPrefixErrors(t *testing.T) {
	p := NewParser()
	_, _, err := p.Parse([]byte("!weird\r\n"))
	if err == nil {
		t.Fatal("expected an error for an unrecognized reply prefix")
	}
}

func TestParseEmptyBufferIsIncomplete(t *testing.T) {
	p := NewParser()
	_, n, err := p.Parse(nil)
	if err != ErrIncomplete {
		t.Fatalf("got %v, want ErrIncomplete for an empty buffer", err)
	}
	if n != 0 {
		t.Fatalf("consumed = %d, want 0", n)
	}
}
