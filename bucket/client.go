package bucket

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/pipeworks/internal/retry"
	"github.com/nevindra/pipeworks/internal/wire"
)

// Client talks to a bucket Server over TCP, dialing once per request and
// retrying transient failures with a growing timeout.
type Client struct {
	Host string
	Port int

	// MaxAttempts defaults to retry.DefaultMaxAttempts when zero.
	MaxAttempts int
}

// NewClient constructs a Client for host:port.
func NewClient(host string, port int) *Client {
	return &Client{Host: host, Port: port}
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return retry.DefaultMaxAttempts
}

func (c *Client) dial(timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr(), timeout)
	if err != nil {
		return nil, fmt.Errorf("bucket: dial %s: %w", c.addr(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	return conn, nil
}

// Set stores data under key. Payloads at or above SmallPayloadThreshold use
// the two-phase declared-size transfer.
func (c *Client) Set(ctx context.Context, key string, data []byte) error {
	_, err := retry.Call(ctx, nil, c.maxAttempts(), DefaultTimeoutSeconds*time.Second, wire.IsTransient, "bucket.set",
		func(timeout time.Duration) (struct{}, error) {
			return struct{}{}, c.set(key, data, timeout)
		})
	return err
}

func (c *Client) set(key string, data []byte, timeout time.Duration) error {
	conn, err := c.dial(timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	timeoutField := []byte(strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))

	if len(data) < SmallPayloadThreshold {
		if err := wire.WriteFrame(conn, wire.Join([]byte(key), []byte(methodSet), timeoutField, data)); err != nil {
			return err
		}
		_, err := wire.ReadFrame(conn, 4096)
		return err
	}

	sizeField := []byte(strconv.Itoa(len(data)))
	if err := wire.WriteFrame(conn, wire.Join([]byte(key), []byte(methodBigSet), timeoutField, sizeField)); err != nil {
		return err
	}
	if _, err := wire.ReadFrame(conn, 4096); err != nil {
		return err
	}
	if err := wire.WriteExactly(conn, data); err != nil {
		return err
	}
	_, err = wire.ReadFrame(conn, 4096)
	return err
}

// Get retrieves the data for key. ok is false if the key is absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		data []byte
		ok   bool
	}
	res, err := retry.Call(ctx, nil, c.maxAttempts(), DefaultTimeoutSeconds*time.Second, wire.IsTransient, "bucket.get",
		func(timeout time.Duration) (result, error) {
			data, ok, err := c.get(key, timeout)
			return result{data: data, ok: ok}, err
		})
	if err != nil {
		return nil, false, err
	}
	return res.data, res.ok, nil
}

func (c *Client) get(key string, timeout time.Duration) ([]byte, bool, error) {
	conn, err := c.dial(timeout)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	timeoutField := []byte(strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
	if err := wire.WriteFrame(conn, wire.Join([]byte(key), []byte(methodGet), timeoutField, []byte(wire.NullMarker))); err != nil {
		return nil, false, err
	}

	resp, err := wire.ReadFrame(conn, 4096)
	if err != nil {
		return nil, false, err
	}
	if string(resp) == wire.NullMarker {
		return nil, false, nil
	}
	if strings.HasPrefix(string(resp), wire.BigMarkerPrefix) {
		size, err := strconv.Atoi(strings.TrimPrefix(string(resp), wire.BigMarkerPrefix))
		if err != nil {
			return nil, false, fmt.Errorf("bucket: malformed big marker %q: %w", resp, err)
		}
		if err := wire.WriteFrame(conn, []byte(ackOK)); err != nil {
			return nil, false, err
		}
		data, err := wire.ReadExactly(conn, size)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return resp, true, nil
}

// Delete removes the value for key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := retry.Call(ctx, nil, c.maxAttempts(), DefaultTimeoutSeconds*time.Second, wire.IsTransient, "bucket.delete",
		func(timeout time.Duration) (struct{}, error) {
			return struct{}{}, c.delete(key, timeout)
		})
	return err
}

func (c *Client) delete(key string, timeout time.Duration) error {
	conn, err := c.dial(timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	timeoutField := []byte(strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
	if err := wire.WriteFrame(conn, wire.Join([]byte(key), []byte(methodDelete), timeoutField, []byte(wire.NullMarker))); err != nil {
		return err
	}
	_, err = wire.ReadFrame(conn, 4096)
	return err
}
