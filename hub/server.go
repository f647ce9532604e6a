// Package hub implements the scheduler's wire server and client: step
// submission, scope-ordered leasing, batch state transitions, and a
// bulk_get_data proxy to the bucket.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nevindra/pipeworks/bucket"
	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/hub/store"
	"github.com/nevindra/pipeworks/internal/wire"
)

// DefaultBatchSize bounds how many steps get_steps leases in one call.
const DefaultBatchSize = 100

// DefaultPendingDelay is how long a pending step waits before re-entering
// queued, absent an explicit delay from the caller.
const DefaultPendingDelay = 30 * time.Second

// Metrics receives counts of scheduler activity from a Server. An
// observability.Instruments satisfies this via its StepsLeased and
// LeaseExpired counters; nil is a valid, no-op default.
type Metrics interface {
	AddStepsLeased(ctx context.Context, n int64)
	AddLeaseExpired(ctx context.Context, n int64)
}

// Server answers the hub wire protocol over TCP, backed by a store.Store
// and (optionally) a bucket client for bulk_get_data proxying.
type Server struct {
	store   store.Store
	bucket  *bucket.Client
	logger  *slog.Logger
	tracer  core.Tracer
	metrics Metrics
	ln      net.Listener
	wg      sync.WaitGroup
}

// NewServer constructs a Server. bucketClient may be nil if bulk_get_data
// proxying is not needed (workers can then talk to the bucket directly).
func NewServer(st store.Store, bucketClient *bucket.Client, logger *slog.Logger, tracer core.Tracer) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if tracer == nil {
		tracer = core.NoopTracer{}
	}
	return &Server{store: st, bucket: bucketClient, logger: logger, tracer: tracer}
}

// WithMetrics attaches a Metrics sink, returning the Server for chaining.
func (s *Server) WithMetrics(m Metrics) *Server {
	s.metrics = m
	return s
}

// ListenAndServe binds host:port and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hub: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("hub: listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("hub: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, span := s.tracer.Start(ctx, "hub.handle_conn")
	defer span.End()

	frame, err := wire.ReadFrame(conn, 8192)
	if err != nil {
		span.Error(err)
		return
	}
	fields := wire.Split(frame)
	if len(fields) != 2 {
		s.logger.Warn("hub: malformed request", "fields", len(fields))
		return
	}
	op := string(fields[0])
	payload := fields[1]
	span.SetAttr(core.StringAttr("hub.op", op))

	resp, err := s.dispatch(ctx, op, payload)
	if err != nil {
		s.logger.Error("hub: op failed", "op", op, "error", err)
	}
	if resp == nil {
		resp, _ = encodeEnvelope(err, nil)
	}
	if err := wire.WriteFrame(conn, resp); err != nil {
		span.Error(err)
	}
}

func (s *Server) dispatch(ctx context.Context, op string, payload []byte) ([]byte, error) {
	switch op {
	case opSubmit:
		var req submitRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		err := s.store.Submit(ctx, req.Steps)
		b, _ := encodeEnvelope(err, nil)
		return b, err

	case opGetSteps:
		var req getStepsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		batchSize := req.BatchSize
		if batchSize <= 0 {
			batchSize = DefaultBatchSize
		}
		steps, err := s.store.GetSteps(ctx, req.Scopes, req.Reverse, req.WorkerID, batchSize, req.DefaultTimeout)
		if err == nil && len(steps) > 0 && s.metrics != nil {
			s.metrics.AddStepsLeased(ctx, int64(len(steps)))
		}
		ids := make([]string, len(steps))
		for i, st := range steps {
			ids[i] = st.ID
		}
		b, _ := encodeEnvelope(err, getStepsResponse{IDs: ids})
		return b, err

	case opBulkGetStep:
		var req idsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		steps, err := s.store.BulkGetStep(ctx, req.IDs)
		b, _ := encodeEnvelope(err, bulkStepResponse{Steps: steps})
		return b, err

	case opBulkGetData:
		var req idsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		data, err := s.bulkGetData(ctx, req.IDs)
		b, _ := encodeEnvelope(err, bulkDataResponse{Data: data})
		return b, err

	case opDones:
		var req idsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		outcome := s.store.Dones(ctx, req.IDs)
		b, _ := encodeEnvelope(nil, toBatchResponse(outcome))
		return b, nil

	case opPendings:
		var req pendingsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		delay := req.DelaySecs
		if delay <= 0 {
			delay = DefaultPendingDelay
		}
		outcome := s.store.Pendings(ctx, req.IDs, delay)
		b, _ := encodeEnvelope(nil, toBatchResponse(outcome))
		return b, nil

	case opResets:
		var req idsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		outcome := s.store.Resets(ctx, req.IDs)
		b, _ := encodeEnvelope(nil, toBatchResponse(outcome))
		return b, nil

	case opCancels:
		var req idsRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		outcome := s.store.Cancels(ctx, req.IDs)
		b, _ := encodeEnvelope(nil, toBatchResponse(outcome))
		return b, nil

	case opError:
		var req errorRequest
		if err := decodeJSON(payload, &req); err != nil {
			return encodeEnvelope(err, nil)
		}
		err := s.store.Error(ctx, req.ID, req.Message, req.Trace)
		b, _ := encodeEnvelope(err, nil)
		return b, err

	case opReapExpired:
		n, err := s.store.ReapExpiredLeases(ctx, time.Now())
		if err == nil && n > 0 && s.metrics != nil {
			s.metrics.AddLeaseExpired(ctx, int64(n))
		}
		b, _ := encodeEnvelope(err, struct {
			Count int `json:"count"`
		}{Count: n})
		return b, err

	default:
		err := fmt.Errorf("hub: unknown op %q", op)
		b, _ := encodeEnvelope(err, nil)
		return b, err
	}
}

// bulkGetData proxies parent-output reads to the bucket so a worker can
// fetch all of a batch's parent data with one hub call instead of dialing
// the bucket itself.
func (s *Server) bulkGetData(ctx context.Context, ids []string) (map[string][]byte, error) {
	if s.bucket == nil {
		return nil, fmt.Errorf("hub: bulk_get_data: no bucket client configured")
	}
	out := make(map[string][]byte, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			data, ok, err := s.bucket.Get(ctx, id)
			if err != nil {
				errCh <- err
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			out[id] = data
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return out, err
	}
	return out, nil
}

func toBatchResponse(o store.BatchOutcome) batchResponse {
	resp := batchResponse{Applied: o.Applied}
	if len(o.Failed) > 0 {
		resp.Failed = make(map[string]string, len(o.Failed))
		for id, err := range o.Failed {
			resp.Failed[id] = err.Error()
		}
	}
	return resp
}

// RunLeaseReaper periodically reaps expired leases and pending steps until
// ctx is canceled.
func (s *Server) RunLeaseReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ReapExpiredLeases(ctx, time.Now())
			if err != nil {
				s.logger.Error("hub: reap expired leases", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("hub: reaped expired leases", "count", n)
				if s.metrics != nil {
					s.metrics.AddLeaseExpired(ctx, int64(n))
				}
			}
		}
	}
}

// Close closes the underlying listener, if any.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
