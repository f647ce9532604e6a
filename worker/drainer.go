package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/nevindra/pipeworks/bucket"
	"github.com/nevindra/pipeworks/hub"
)

// transitionKind is the reported outcome of one step run.
type transitionKind int

const (
	kindDone transitionKind = iota
	kindPending
	kindReset
	kindCancel
	kindError
)

// transaction is one item the drainer accumulates before shipping it to
// the hub. It is the record persisted in the worker's durable queue.
type transaction struct {
	Kind    transitionKind
	StepID  string
	Data    []byte        // set for kindDone; written to the bucket before the hub is told
	Delay   time.Duration // set for kindPending
	Message string        // set for kindError
	Trace   string        // set for kindError
}

// pendingTx wraps a transaction as it moves through the batcher. err is
// filled in by processBatch and read back via JobResult.Job after Wait.
type pendingTx struct {
	tx  transaction
	err error
}

// DefaultMaxBatch caps how many transactions accumulate before a batch is
// shipped even if the flush interval hasn't elapsed.
const DefaultMaxBatch = 1000

// DefaultFlushInterval bounds how long a partial batch waits before it is
// shipped anyway.
const DefaultFlushInterval = 250 * time.Millisecond

// Drainer bulk-writes step results to the bucket and bulk-applies state
// transitions to the hub, always preferring the batched path and falling
// back to per-item calls (surfacing failures as error transitions) only
// when a batched call itself fails outright.
type Drainer struct {
	bucket *bucket.Client
	hub    *hub.Client
	logger *slog.Logger

	batcher *microbatch.Batcher[*pendingTx]
}

// NewDrainer constructs a Drainer. bucketClient and hubClient must be
// non-nil.
func NewDrainer(bucketClient *bucket.Client, hubClient *hub.Client, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Drainer{bucket: bucketClient, hub: hubClient, logger: logger}
	d.batcher = microbatch.NewBatcher[*pendingTx](&microbatch.BatcherConfig{
		MaxSize:        DefaultMaxBatch,
		FlushInterval:  DefaultFlushInterval,
		MaxConcurrency: 4,
	}, d.processBatch)
	return d
}

// Submit hands tx to the batcher. The returned JobResult's Wait method
// unblocks once the batch containing tx has been processed; any per-item
// failure is available afterward via the result's own error, not Wait's.
func (d *Drainer) Submit(ctx context.Context, tx transaction) (*microbatch.JobResult[*pendingTx], error) {
	return d.batcher.Submit(ctx, &pendingTx{tx: tx})
}

// SubmitAndWait submits tx and blocks until its batch has been processed,
// returning the per-item outcome.
func (d *Drainer) SubmitAndWait(ctx context.Context, tx transaction) error {
	res, err := d.Submit(ctx, tx)
	if err != nil {
		return err
	}
	if err := res.Wait(ctx); err != nil {
		return err
	}
	return res.Job.err
}

// Shutdown drains in-flight batches before returning.
func (d *Drainer) Shutdown(ctx context.Context) error {
	return d.batcher.Shutdown(ctx)
}

// Close cancels in-flight batches immediately.
func (d *Drainer) Close() error {
	return d.batcher.Close()
}

func (d *Drainer) processBatch(ctx context.Context, jobs []*pendingTx) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("worker: drainer panic: %v", r)
		}
	}()

	byKind := make(map[transitionKind][]*pendingTx, 5)
	for _, j := range jobs {
		byKind[j.tx.Kind] = append(byKind[j.tx.Kind], j)
	}

	dones := d.writeResults(ctx, byKind[kindDone])
	d.applyBatch(ctx, dones, func(ids []string) ([]string, map[string]string, error) {
		return d.hub.Dones(ctx, ids)
	})

	for delay, group := range groupByDelay(byKind[kindPending]) {
		delay := delay
		d.applyBatch(ctx, group, func(ids []string) ([]string, map[string]string, error) {
			return d.hub.Pendings(ctx, ids, delay)
		})
	}

	d.applyBatch(ctx, byKind[kindReset], func(ids []string) ([]string, map[string]string, error) {
		return d.hub.Resets(ctx, ids)
	})

	d.applyBatch(ctx, byKind[kindCancel], func(ids []string) ([]string, map[string]string, error) {
		return d.hub.Cancels(ctx, ids)
	})

	for _, it := range byKind[kindError] {
		if err := d.hub.Error(ctx, it.tx.StepID, it.tx.Message, it.tx.Trace); err != nil {
			it.err = err
		}
	}

	return nil
}

// writeResults bulk-writes every done transaction's data to the bucket
// concurrently, reports any write failure to the hub as an error
// transition in place of the success it can no longer claim, and returns
// only the subset that is safe to mark done.
func (d *Drainer) writeResults(ctx context.Context, dones []*pendingTx) []*pendingTx {
	if len(dones) == 0 {
		return nil
	}

	ok := make([]*pendingTx, 0, len(dones))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, it := range dones {
		wg.Add(1)
		go func(it *pendingTx) {
			defer wg.Done()
			if err := d.bucket.Set(ctx, it.tx.StepID, it.tx.Data); err != nil {
				it.err = fmt.Errorf("worker: bucket write: %w", err)
				if reportErr := d.hub.Error(ctx, it.tx.StepID, it.err.Error(), ""); reportErr != nil {
					d.logger.Error("worker: failed to report bucket write failure", "step_id", it.tx.StepID, "error", reportErr)
				}
				return
			}
			mu.Lock()
			ok = append(ok, it)
			mu.Unlock()
		}(it)
	}
	wg.Wait()
	return ok
}

// applyBatch calls op once for every id in items. If op itself fails (as
// opposed to reporting individual ids in its failed map), it is retried
// one id at a time so a single bad id cannot block its batch-mates, and
// each id that still fails is reported to the hub as an error transition.
func (d *Drainer) applyBatch(ctx context.Context, items []*pendingTx, op func(ids []string) ([]string, map[string]string, error)) {
	if len(items) == 0 {
		return
	}
	ids := make([]string, len(items))
	byID := make(map[string]*pendingTx, len(items))
	for i, it := range items {
		ids[i] = it.tx.StepID
		byID[it.tx.StepID] = it
	}

	_, failed, err := op(ids)
	if err != nil {
		d.logger.Warn("worker: batch transition failed, falling back to per-item", "count", len(ids), "error", err)
		for _, it := range items {
			_, singleFailed, singleErr := op([]string{it.tx.StepID})
			if singleErr != nil {
				it.err = singleErr
			} else if msg, ok := singleFailed[it.tx.StepID]; ok {
				it.err = errors.New(msg)
			} else {
				continue
			}
			if reportErr := d.hub.Error(ctx, it.tx.StepID, it.err.Error(), ""); reportErr != nil {
				d.logger.Error("worker: failed to report per-item transition failure", "step_id", it.tx.StepID, "error", reportErr)
			}
		}
		return
	}
	for id, msg := range failed {
		if it, ok := byID[id]; ok {
			it.err = errors.New(msg)
		}
	}
}

func groupByDelay(items []*pendingTx) map[time.Duration][]*pendingTx {
	groups := make(map[time.Duration][]*pendingTx)
	for _, it := range items {
		groups[it.tx.Delay] = append(groups[it.tx.Delay], it)
	}
	return groups
}
