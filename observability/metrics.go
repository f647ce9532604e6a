package observability

import "context"

// The methods below let *Instruments satisfy the Metrics interfaces
// declared by bucket.Server, hub.Server, and worker.Worker without those
// packages importing observability.

// AddBytesStored implements bucket.Metrics.
func (i *Instruments) AddBytesStored(ctx context.Context, n int64) {
	i.BucketBytesStored.Add(ctx, n)
}

// AddEvictions implements an optional eviction counter for bucket stores.
func (i *Instruments) AddEvictions(ctx context.Context, n int64) {
	i.BucketEvictions.Add(ctx, n)
}

// AddStepsLeased implements hub.Metrics.
func (i *Instruments) AddStepsLeased(ctx context.Context, n int64) {
	i.StepsLeased.Add(ctx, n)
}

// AddLeaseExpired implements hub.Metrics.
func (i *Instruments) AddLeaseExpired(ctx context.Context, n int64) {
	i.LeaseExpired.Add(ctx, n)
}

// RecordStepDuration implements worker.Metrics.
func (i *Instruments) RecordStepDuration(ctx context.Context, ms float64) {
	i.WorkerStepDuration.Record(ctx, ms)
}

// AddTransactionsDrained implements worker.Metrics.
func (i *Instruments) AddTransactionsDrained(ctx context.Context, n int64) {
	i.TransactionsDrained.Add(ctx, n)
}
