package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/hub"
	"github.com/nevindra/pipeworks/txqueue"
)

// Defaults for Config fields left unset.
const (
	DefaultConcurrency     = 15
	DefaultFetchBatchSize  = 15
	DefaultJobTimeout      = 2 * time.Hour
	DefaultLeaseDuration   = 2 * time.Hour
	DefaultRestartInterval = 2 * time.Hour
	DefaultPollInterval    = 5 * time.Second
	DefaultPendingDelay    = 30 * time.Second
)

// Config controls one worker's scheduling loop.
type Config struct {
	// Scopes are tried in order on every fetch; the first with ready work
	// wins the batch.
	Scopes   []string
	Reverse  bool
	WorkerID string

	// BatchSize bounds how many steps a single get_steps call leases.
	BatchSize int
	// Concurrency bounds how many steps run at once.
	Concurrency int

	// JobTimeout is the wall-clock budget for a step whose own Timeout
	// field is unset.
	JobTimeout time.Duration
	// LeaseDuration is handed to the hub as the default lease length for
	// steps it doesn't already carry a timeout for.
	LeaseDuration time.Duration
	// PendingDelay is used for steps a StepRunner reports as pending.
	PendingDelay time.Duration

	// PollInterval is how long the loop sleeps after an empty or failed
	// fetch before trying again.
	PollInterval time.Duration
	// RestartInterval bounds the worker's own lifetime; Run returns on its
	// own once this much wall-clock time has elapsed, so a supervising
	// process can cycle workers periodically.
	RestartInterval time.Duration

	// QueuePath is where the durable transaction queue is persisted.
	QueuePath string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultFetchBatchSize
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultConcurrency
	}
	if out.JobTimeout <= 0 {
		out.JobTimeout = DefaultJobTimeout
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = DefaultLeaseDuration
	}
	if out.PendingDelay <= 0 {
		out.PendingDelay = DefaultPendingDelay
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.RestartInterval <= 0 {
		out.RestartInterval = DefaultRestartInterval
	}
	if out.WorkerID == "" {
		out.WorkerID = core.NewID()
	}
	return out
}

// Metrics receives counts of worker activity. An observability.Instruments
// satisfies this via its WorkerStepDuration and TransactionsDrained
// instruments; nil is a valid, no-op default.
type Metrics interface {
	RecordStepDuration(ctx context.Context, ms float64)
	AddTransactionsDrained(ctx context.Context, n int64)
}

// Worker leases steps from the hub, runs them through a StepRunner, and
// reports outcomes through a durable queue drained in the background.
type Worker struct {
	hub     *hub.Client
	runner  StepRunner
	drainer *Drainer
	queue   *txqueue.Queue[transaction]
	logger  *slog.Logger
	tracer  core.Tracer
	metrics Metrics
	cfg     Config
	sem     *semaphore.Weighted
}

// WithMetrics attaches a Metrics sink, returning the Worker for chaining.
func (w *Worker) WithMetrics(m Metrics) *Worker {
	w.metrics = m
	return w
}

// New constructs a Worker. The queue is opened (and, if present, replayed)
// at cfg.QueuePath.
func New(cfg Config, hubClient *hub.Client, runner StepRunner, drainer *Drainer, logger *slog.Logger, tracer core.Tracer) (*Worker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if tracer == nil {
		tracer = core.NoopTracer{}
	}
	queue, err := txqueue.Open[transaction](cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("worker: open queue: %w", err)
	}
	return &Worker{
		hub:     hubClient,
		runner:  runner,
		drainer: drainer,
		queue:   queue,
		logger:  logger,
		tracer:  tracer,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

type fetchResult struct {
	steps []core.Step
	err   error
}

// Run executes the scheduling loop until ctx is canceled or the
// configured restart interval elapses, whichever comes first. It always
// drains the transaction queue to empty before returning.
func (w *Worker) Run(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.RestartInterval)

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		w.drainTransactions(ctx)
	}()

	fetchCh := make(chan fetchResult, 1)
	go w.fetchBatch(ctx, fetchCh)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case res := <-fetchCh:
			if time.Now().After(deadline) {
				break loop
			}
			if res.err != nil || len(res.steps) == 0 {
				if res.err != nil {
					w.logger.Warn("worker: get_steps failed", "error", res.err)
				}
				time.Sleep(w.cfg.PollInterval)
				next := make(chan fetchResult, 1)
				go w.fetchBatch(ctx, next)
				fetchCh = next
				continue
			}

			// Overlap: start leasing the next batch while this one runs.
			next := make(chan fetchResult, 1)
			go w.fetchBatch(ctx, next)

			w.runBatch(ctx, res.steps)
			runtime.GC()

			fetchCh = next
		}
	}

	_ = w.queue.Shutdown()
	<-drainDone
	return w.drainer.Shutdown(context.Background())
}

func (w *Worker) fetchBatch(ctx context.Context, out chan<- fetchResult) {
	steps, err := w.leaseBatch(ctx)
	select {
	case out <- fetchResult{steps: steps, err: err}:
	case <-ctx.Done():
	}
}

// leaseBatch leases a batch of ready step ids, then resolves them to full
// records with a second call. Kept as two hub round trips, not one, so a
// worker can lease without paying to deserialize records it might not get
// to (e.g. if it crashes between the two calls, nothing was leased-and-lost).
func (w *Worker) leaseBatch(ctx context.Context) ([]core.Step, error) {
	ids, err := w.hub.GetSteps(ctx, w.cfg.Scopes, w.cfg.Reverse, w.cfg.WorkerID, w.cfg.BatchSize, w.cfg.LeaseDuration)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	byID, err := w.hub.BulkGetStep(ctx, ids)
	if err != nil {
		return nil, err
	}
	steps := make([]core.Step, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			steps = append(steps, s)
		}
	}
	return steps, nil
}

// runBatch resolves every step's parent outputs in a single round trip,
// then runs up to Concurrency steps at once.
func (w *Worker) runBatch(ctx context.Context, steps []core.Step) {
	parentData := w.resolveParentData(ctx, steps)

	var wg sync.WaitGroup
	for _, step := range steps {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(step core.Step) {
			defer wg.Done()
			defer w.sem.Release(1)
			w.runStep(ctx, step, parentData)
		}(step)
	}
	wg.Wait()
}

func (w *Worker) resolveParentData(ctx context.Context, steps []core.Step) map[string][]byte {
	seen := make(map[string]struct{})
	for _, s := range steps {
		for _, p := range s.Parents {
			seen[p] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	data, err := w.hub.BulkGetData(ctx, ids)
	if err != nil {
		w.logger.Error("worker: bulk_get_data failed", "error", err)
		return nil
	}
	return data
}

func (w *Worker) runStep(ctx context.Context, step core.Step, allParentData map[string][]byte) {
	stepCtx, cancel := context.WithTimeout(ctx, w.jobTimeout(step))
	defer cancel()

	spanCtx, span := w.tracer.Start(stepCtx, "worker.run_step",
		core.StringAttr("step_id", step.ID), core.StringAttr("scope", step.Scope))
	defer span.End()

	start := time.Now()
	result, err := w.runStepSafely(spanCtx, step, parentDataFor(step, allParentData))
	if w.metrics != nil {
		w.metrics.RecordStepDuration(ctx, float64(time.Since(start).Milliseconds()))
	}

	if errors.Is(err, ErrHandledExternally) {
		return
	}
	if err != nil {
		span.Error(err)
		msg := err.Error()
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			msg = "Job timed out"
		}
		w.enqueue(transaction{Kind: kindError, StepID: step.ID, Message: msg})
		return
	}

	switch result.Status {
	case core.ResultSuccess:
		w.enqueue(transaction{Kind: kindDone, StepID: step.ID, Data: result.Data})
	case core.ResultPending:
		w.enqueue(transaction{Kind: kindPending, StepID: step.ID, Delay: w.cfg.PendingDelay})
	case core.ResultReset:
		w.enqueue(transaction{Kind: kindReset, StepID: step.ID})
	case core.ResultCancel:
		w.enqueue(transaction{Kind: kindCancel, StepID: step.ID})
	default:
		w.enqueue(transaction{Kind: kindError, StepID: step.ID, Message: fmt.Sprintf("unrecognized result status %q", result.Status)})
	}
}

// runStepSafely isolates the worker from a panicking StepRunner.
func (w *Worker) runStepSafely(ctx context.Context, step core.Step, parentData map[string][]byte) (result core.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: step panicked: %v", r)
		}
	}()
	return w.runner.Run(ctx, step, parentData)
}

func parentDataFor(step core.Step, all map[string][]byte) map[string][]byte {
	if len(step.Parents) == 0 {
		return nil
	}
	data := make(map[string][]byte, len(step.Parents))
	for _, p := range step.Parents {
		if d, ok := all[p]; ok {
			data[p] = d
		}
	}
	return data
}

func (w *Worker) enqueue(tx transaction) {
	if err := w.queue.Put(tx); err != nil {
		w.logger.Error("worker: enqueue transaction failed", "step_id", tx.StepID, "error", err)
	}
}

func (w *Worker) jobTimeout(step core.Step) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout) * time.Second
	}
	return w.cfg.JobTimeout
}

func (w *Worker) drainTransactions(ctx context.Context) {
	// The loop ends at the queue's shutdown sentinel, not at ctx
	// cancellation, so transactions queued before Run returns still reach
	// the drainer.
	ctx = context.WithoutCancel(ctx)
	for {
		tx, err := w.queue.Get(ctx)
		if errors.Is(err, txqueue.ErrShutdown) {
			return
		}
		if err != nil {
			return
		}

		res, err := w.drainer.Submit(ctx, tx)
		if err != nil {
			w.logger.Error("worker: drainer submit failed", "step_id", tx.StepID, "error", err)
			continue
		}
		go func(tx transaction) {
			if err := res.Wait(ctx); err != nil {
				w.logger.Error("worker: batch wait failed", "step_id", tx.StepID, "error", err)
				return
			}
			if res.Job.err != nil {
				w.logger.Error("worker: transition failed", "step_id", tx.StepID, "error", res.Job.err)
				return
			}
			if w.metrics != nil {
				w.metrics.AddTransactionsDrained(ctx, 1)
			}
		}(tx)
	}
}
