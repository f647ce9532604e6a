package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/internal/wire"
)

// Metrics receives counts of bytes written through a Server. An
// observability.Instruments satisfies this via its BucketBytesStored
// counter; nil is a valid, no-op default.
type Metrics interface {
	AddBytesStored(ctx context.Context, n int64)
}

// Server accepts bucket connections and serves set/get/delete requests
// against a Store. One connection handles exactly one request.
type Server struct {
	store   Store
	logger  *slog.Logger
	tracer  core.Tracer
	metrics Metrics
	ln      net.Listener
	wg      sync.WaitGroup
	bufSize int
}

// NewServer constructs a Server over store. logger and tracer may be nil,
// in which case a discard logger and a no-op tracer are used.
func NewServer(store Store, logger *slog.Logger, tracer core.Tracer) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if tracer == nil {
		tracer = core.NoopTracer{}
	}
	return &Server{store: store, logger: logger, tracer: tracer, bufSize: 4096}
}

// WithMetrics attaches a Metrics sink, returning the Server for chaining.
func (s *Server) WithMetrics(m Metrics) *Server {
	s.metrics = m
	return s
}

func (s *Server) recordBytesStored(ctx context.Context, n int) {
	if s.metrics != nil {
		s.metrics.AddBytesStored(ctx, int64(n))
	}
}

// ListenAndServe binds host:port and serves connections until ctx is
// canceled, at which point the listener is closed and ListenAndServe
// returns once all in-flight connections have finished.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bucket: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("bucket: listening", "addr", addr)

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
				return fmt.Errorf("bucket: accept: %w", err)
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

	ctx, span := s.tracer.Start(ctx, "bucket.handle_conn")
	defer span.End()

	frame, err := wire.ReadFrame(conn, s.bufSize)
	if err != nil {
		span.Error(err)
		return
	}
	fields := wire.Split(frame)
	if len(fields) != 4 {
		s.logger.Warn("bucket: malformed request", "fields", len(fields))
		return
	}
	key := string(fields[0])
	method := string(fields[1])
	timeoutSeconds, _ := strconv.ParseFloat(string(fields[2]), 64)
	payload := fields[3]

	span.SetAttr(core.StringAttr("bucket.key", key), core.StringAttr("bucket.method", method))

	timeout := time.Duration(timeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	switch method {
	case methodSet:
		s.handleSet(ctx, conn, key, payload, span)
	case methodBigSet:
		s.handleBigSet(ctx, conn, key, payload, span)
	case methodGet:
		s.handleGet(ctx, conn, key, span)
	case methodDelete:
		s.handleDelete(ctx, conn, key, span)
	default:
		s.logger.Warn("bucket: unknown method", "method", method)
	}
}

func (s *Server) handleSet(ctx context.Context, conn net.Conn, key string, data []byte, span core.Span) {
	if err := s.store.Set(ctx, key, data); err != nil {
		span.Error(err)
		s.logger.Error("bucket: set failed", "key", key, "error", err)
		return
	}
	s.recordBytesStored(ctx, len(data))
	_ = wire.WriteFrame(conn, []byte(ackOK))
}

func (s *Server) handleBigSet(ctx context.Context, conn net.Conn, key string, sizeField []byte, span core.Span) {
	size, err := strconv.Atoi(string(sizeField))
	if err != nil {
		span.Error(err)
		return
	}
	if err := wire.WriteFrame(conn, []byte(ackOK)); err != nil {
		span.Error(err)
		return
	}
	data, err := wire.ReadExactly(conn, size)
	if err != nil {
		span.Error(err)
		return
	}
	if err := s.store.Set(ctx, key, data); err != nil {
		span.Error(err)
		s.logger.Error("bucket: big-set failed", "key", key, "error", err)
		return
	}
	s.recordBytesStored(ctx, len(data))
	_ = wire.WriteFrame(conn, []byte(ackOK))
}

func (s *Server) handleGet(ctx context.Context, conn net.Conn, key string, span core.Span) {
	data, ok, err := s.store.Get(ctx, key)
	if err != nil {
		span.Error(err)
		s.logger.Error("bucket: get failed", "key", key, "error", err)
		return
	}
	if !ok {
		_ = wire.WriteFrame(conn, []byte(wire.NullMarker))
		return
	}
	if len(data) < SmallPayloadThreshold {
		_ = wire.WriteFrame(conn, data)
		return
	}

	marker := fmt.Sprintf("%s%d", wire.BigMarkerPrefix, len(data))
	if err := wire.WriteFrame(conn, []byte(marker)); err != nil {
		span.Error(err)
		return
	}
	ack, err := wire.ReadFrame(conn, s.bufSize)
	if err != nil || !strings.EqualFold(string(ack), ackOK) {
		return
	}
	if err := wire.WriteExactly(conn, data); err != nil {
		span.Error(err)
	}
}

func (s *Server) handleDelete(ctx context.Context, conn net.Conn, key string, span core.Span) {
	if err := s.store.Delete(ctx, key); err != nil {
		span.Error(err)
		s.logger.Error("bucket: delete failed", "key", key, "error", err)
		return
	}
	_ = wire.WriteFrame(conn, []byte(ackOK))
}

// Close closes the underlying listener, if any.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
