// Package wire implements the framed TCP protocol shared by the bucket and
// hub servers: messages are split-token-delimited fields terminated by a
// fixed end-token sentinel. Both protocols layer their own opcodes and
// payload conventions on top of this framing.
package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// EndToken terminates every frame. Payloads containing it are not supported;
// callers must avoid it via content encoding (the wire protocol treats it as
// an opaque sentinel, never escapes it).
var EndToken = []byte("[-_-]")

// SplitToken separates fields within a frame.
var SplitToken = []byte("[*BUCKET_SPLIT_TOKEN*]")

// NullMarker signals an absent value in a get reply.
const NullMarker = "__null__"

// BigMarkerPrefix prefixes a declared-size marker for large payloads, e.g.
// "__big__10485760".
const BigMarkerPrefix = "__big__"

// Join concatenates fields with SplitToken between them.
func Join(fields ...[]byte) []byte {
	return bytes.Join(fields, SplitToken)
}

// Split divides a frame's body back into its fields.
func Split(frame []byte) [][]byte {
	return bytes.Split(frame, SplitToken)
}

// ReadFrame reads from conn until EndToken is observed, then strips it and
// returns the preceding bytes. bufSize controls the read chunk size.
func ReadFrame(conn net.Conn, bufSize int) ([]byte, error) {
	if bufSize <= 0 {
		bufSize = 4096
	}
	var data []byte
	buf := make([]byte, bufSize)
	for !bytes.HasSuffix(data, EndToken) {
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF && bytes.HasSuffix(data, EndToken) {
				break
			}
			return nil, fmt.Errorf("wire: read frame: %w", err)
		}
	}
	return data[:len(data)-len(EndToken)], nil
}

// ReadFrameWithTimeout is ReadFrame with a read deadline derived from ctx or
// timeout, whichever is sooner.
func ReadFrameWithTimeout(ctx context.Context, conn net.Conn, timeout time.Duration, bufSize int) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("wire: set read deadline: %w", err)
	}
	return ReadFrame(conn, bufSize)
}

// ReadExactly reads exactly n raw bytes (no framing, no end-token) — used for
// the declared-size big-payload body after a big-set/big-get header exchange.
func ReadExactly(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("wire: read exactly %d bytes: %w", n, err)
	}
	// Large transfers still terminate with EndToken per the framing
	// convention; drain and discard it.
	tail := make([]byte, len(EndToken))
	if _, err := io.ReadFull(conn, tail); err != nil {
		return nil, fmt.Errorf("wire: read trailing end-token: %w", err)
	}
	return buf, nil
}

// WriteFrame writes data followed by EndToken.
func WriteFrame(conn net.Conn, data []byte) error {
	if _, err := conn.Write(append(data, EndToken...)); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// WriteFrameWithTimeout is WriteFrame with a write deadline.
func WriteFrameWithTimeout(ctx context.Context, conn net.Conn, data []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	return WriteFrame(conn, data)
}

// WriteExactly writes raw bytes followed by EndToken, with no field framing
// — the counterpart to ReadExactly for big-payload bodies.
func WriteExactly(conn net.Conn, data []byte) error {
	if _, err := conn.Write(append(data, EndToken...)); err != nil {
		return fmt.Errorf("wire: write exactly: %w", err)
	}
	return nil
}

// IsTransient reports whether err looks like a transient socket failure
// (reset, timeout, or a clean EOF from a peer that closed early) — the same
// class of error both the bucket and hub clients retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if asNetError(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
