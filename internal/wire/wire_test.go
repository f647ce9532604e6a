package wire

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestJoinSplitRoundTrip(t *testing.T) {
	frame := Join([]byte("key"), []byte("set"), []byte("60"), []byte("payload"))
	fields := Split(frame)
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	want := []string{"key", "set", "60", "payload"}
	for i, w := range want {
		if string(fields[i]) != w {
			t.Errorf("field %d = %q, want %q", i, fields[i], w)
		}
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = WriteFrame(client, Join([]byte("a"), []byte("b")))
	}()

	frame, err := ReadFrame(server, 16)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	fields := Split(frame)
	if string(fields[0]) != "a" || string(fields[1]) != "b" {
		t.Fatalf("got fields %v", fields)
	}
}

func TestReadExactlyStripsEndToken(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("0123456789")
	go func() {
		_ = WriteExactly(client, payload)
	}()

	got, err := ReadExactly(server, len(payload))
	if err != nil {
		t.Fatalf("ReadExactly: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestIsTransientTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_ = server.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 8)
	_, err := server.Read(buf)
	if !IsTransient(err) {
		t.Errorf("expected timeout error to be transient, got %v", err)
	}
}

func TestIsTransientEOF(t *testing.T) {
	if !IsTransient(io.EOF) {
		t.Error("expected io.EOF to be transient")
	}
}

func TestIsTransientPermanent(t *testing.T) {
	if IsTransient(errors.New("boom")) {
		t.Error("expected ordinary error to not be transient")
	}
}
