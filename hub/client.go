package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/internal/retry"
	"github.com/nevindra/pipeworks/internal/wire"
)

// DefaultTimeout matches the bucket client's default per-request timeout.
const DefaultTimeout = 60 * 5 * time.Second

// Client is a thin request/response adapter over the hub wire protocol,
// dialing once per call and retrying transient failures with a growing
// timeout.
type Client struct {
	Host string
	Port int

	MaxAttempts int
}

// NewClient constructs a Client for host:port.
func NewClient(host string, port int) *Client {
	return &Client{Host: host, Port: port}
}

func (c *Client) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return retry.DefaultMaxAttempts
}

func (c *Client) call(ctx context.Context, op string, req any, resp any) error {
	_, err := retry.Call(ctx, nil, c.maxAttempts(), DefaultTimeout, wire.IsTransient, "hub."+op,
		func(timeout time.Duration) (struct{}, error) {
			return struct{}{}, c.roundTrip(timeout, op, req, resp)
		})
	return err
}

func (c *Client) roundTrip(timeout time.Duration, op string, req any, resp any) error {
	conn, err := net.DialTimeout("tcp", c.addr(), timeout)
	if err != nil {
		return fmt.Errorf("hub: dial %s: %w", c.addr(), err)
	}
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hub: encode %s request: %w", op, err)
	}
	if err := wire.WriteFrame(conn, wire.Join([]byte(op), payload)); err != nil {
		return err
	}
	frame, err := wire.ReadFrame(conn, 8192)
	if err != nil {
		return err
	}
	return decodeEnvelope(frame, resp)
}

// Submit inserts steps atomically.
func (c *Client) Submit(ctx context.Context, steps []core.Step) error {
	return c.call(ctx, opSubmit, submitRequest{Steps: steps}, nil)
}

// GetSteps leases up to batchSize ready step ids from the first non-empty
// scope. Callers resolve full records with a follow-up BulkGetStep call.
func (c *Client) GetSteps(ctx context.Context, scopes []string, reverse bool, workerID string, batchSize int, defaultTimeout time.Duration) ([]string, error) {
	var resp getStepsResponse
	err := c.call(ctx, opGetSteps, getStepsRequest{
		Scopes: scopes, Reverse: reverse, WorkerID: workerID, BatchSize: batchSize, DefaultTimeout: defaultTimeout,
	}, &resp)
	return resp.IDs, err
}

// BulkGetStep returns full step records for ids.
func (c *Client) BulkGetStep(ctx context.Context, ids []string) (map[string]core.Step, error) {
	var resp bulkStepResponse
	err := c.call(ctx, opBulkGetStep, idsRequest{IDs: ids}, &resp)
	return resp.Steps, err
}

// BulkGetData proxies to the bucket for each id's stored output.
func (c *Client) BulkGetData(ctx context.Context, ids []string) (map[string][]byte, error) {
	var resp bulkDataResponse
	err := c.call(ctx, opBulkGetData, idsRequest{IDs: ids}, &resp)
	return resp.Data, err
}

// Dones marks ids success.
func (c *Client) Dones(ctx context.Context, ids []string) ([]string, map[string]string, error) {
	var resp batchResponse
	err := c.call(ctx, opDones, idsRequest{IDs: ids}, &resp)
	return resp.Applied, resp.Failed, err
}

// Pendings defers ids for delay before re-queueing.
func (c *Client) Pendings(ctx context.Context, ids []string, delay time.Duration) ([]string, map[string]string, error) {
	var resp batchResponse
	err := c.call(ctx, opPendings, pendingsRequest{IDs: ids, DelaySecs: delay}, &resp)
	return resp.Applied, resp.Failed, err
}

// Resets clears error state and re-queues ids immediately.
func (c *Client) Resets(ctx context.Context, ids []string) ([]string, map[string]string, error) {
	var resp batchResponse
	err := c.call(ctx, opResets, idsRequest{IDs: ids}, &resp)
	return resp.Applied, resp.Failed, err
}

// Cancels cancels ids and their transitive descendants.
func (c *Client) Cancels(ctx context.Context, ids []string) ([]string, map[string]string, error) {
	var resp batchResponse
	err := c.call(ctx, opCancels, idsRequest{IDs: ids}, &resp)
	return resp.Applied, resp.Failed, err
}

// Error records a step failure.
func (c *Client) Error(ctx context.Context, id, message, trace string) error {
	return c.call(ctx, opError, errorRequest{ID: id, Message: message, Trace: trace}, nil)
}
