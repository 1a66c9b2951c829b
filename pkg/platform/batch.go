package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BatchFunc applies one batch of items against a platform endpoint.
type BatchFunc func(ctx context.Context, items []json.RawMessage) error

// ExecutorConfig tunes the batch executor.
type ExecutorConfig struct {
	// MaxWorkers is the number of concurrent batch processors.
	MaxWorkers int

	// BatchSize is the initial number of items per batch.
	BatchSize int

	// MaxRetries is the maximum retry count per batch for retryable errors.
	MaxRetries int

	// QueueSize bounds the work queue; the producer blocks when it is full.
	QueueSize int

	// BackoffBase is the base delay for exponential backoff.
	BackoffBase time.Duration
}

// DefaultExecutorConfig returns the executor defaults used by the CLI.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxWorkers:  4,
		BatchSize:   1000,
		MaxRetries:  3,
		QueueSize:   8,
		BackoffBase: 500 * time.Millisecond,
	}
}

// ItemFailure records one item that could not be applied.
type ItemFailure struct {
	// Index is the item's position in the original input slice.
	Index int

	// Err is the terminal error for the item.
	Err error
}

// Report aggregates the outcome of one executor run.
type Report struct {
	// Succeeded is the number of items applied.
	Succeeded int

	// Conflicts is the number of items that already existed remotely.
	// Reported as warnings, never as failures.
	Conflicts int

	// Retries is the number of batch retry attempts issued.
	Retries int

	// Splits is the number of batch halvings issued.
	Splits int

	// Failures lists items that terminally failed.
	Failures []ItemFailure
}

// Failed returns the number of terminally failed items.
func (r *Report) Failed() int {
	return len(r.Failures)
}

// Err returns a PartialBatchError when any item failed, nil otherwise.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, f := range r.Failures {
		merr = multierror.Append(merr, fmt.Errorf("item %d: %w", f.Index, f.Err))
	}
	return &PartialBatchError{
		FailedCount: len(r.Failures),
		Total:       r.Succeeded + r.Conflicts + len(r.Failures),
		Errs:        merr,
	}
}

// PartialBatchError reports that a subset of a batched write failed.
// The remaining items were applied; callers count partial success.
type PartialBatchError struct {
	FailedCount int
	Total       int
	Errs        *multierror.Error
}

// Error implements the error interface.
func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("%d of %d items failed: %v", e.FailedCount, e.Total, e.Errs)
}

// Unwrap exposes the aggregated item errors.
func (e *PartialBatchError) Unwrap() error {
	return e.Errs
}

// Executor pushes large item sets through the platform's batch endpoints
// with bounded parallelism, retry, and adaptive batch splitting.
//
// The pipeline has three stages connected by bounded channels: a producer
// splits the input into batches, a fixed worker pool applies each batch,
// and a collector aggregates per-batch outcomes into a Report. Each batch
// carries its own retry counter; no other mutable state is shared between
// workers.
type Executor struct {
	cfg    ExecutorConfig
	logger zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a batch executor.
func NewExecutor(cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	return &Executor{
		cfg:    cfg,
		logger: logger.With().Str("component", "batch-executor").Logger(),
		sleep:  sleepCtx,
	}
}

// batch is one unit of work in the pipeline.
type batch struct {
	items   []json.RawMessage
	offset  int
	retries int
}

// batchOutcome is the collector-side result of processing one batch.
type batchOutcome struct {
	succeeded int
	conflicts int
	retries   int
	splits    int
	failures  []ItemFailure
}

// Run applies all items via fn. It always returns a Report; item-level
// failures are recorded there rather than aborting the run. Cancellation
// takes effect between batches: in-flight batches complete, queued batches
// are marked failed.
func (e *Executor) Run(ctx context.Context, items []json.RawMessage, fn BatchFunc) *Report {
	report := &Report{}
	if len(items) == 0 {
		return report
	}

	work := make(chan *batch, e.cfg.QueueSize)
	results := make(chan batchOutcome, e.cfg.MaxWorkers)

	g, runCtx := errgroup.WithContext(ctx)

	// Producer: chunk the input and enqueue, blocking on backpressure.
	g.Go(func() error {
		defer close(work)
		for offset := 0; offset < len(items); offset += e.cfg.BatchSize {
			end := offset + e.cfg.BatchSize
			if end > len(items) {
				end = len(items)
			}
			b := &batch{items: items[offset:end], offset: offset}
			select {
			case work <- b:
			case <-runCtx.Done():
				// Remaining items never got enqueued; fail them.
				out := batchOutcome{}
				for i := offset; i < len(items); i++ {
					out.failures = append(out.failures, ItemFailure{
						Index: i,
						Err:   NewPermanentError("run cancelled", runCtx.Err()),
					})
				}
				results <- out
				return nil
			}
		}
		return nil
	})

	// Worker pool: drain the queue, one network request per batch.
	var workers sync.WaitGroup
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for b := range work {
				if runCtx.Err() != nil {
					out := batchOutcome{}
					for i := range b.items {
						out.failures = append(out.failures, ItemFailure{
							Index: b.offset + i,
							Err:   NewPermanentError("run cancelled", runCtx.Err()),
						})
					}
					results <- out
					continue
				}
				out := batchOutcome{}
				e.process(runCtx, b, fn, &out)
				results <- out
			}
			return nil
		})
	}

	// Close the results channel once all producers and workers are done.
	go func() {
		workers.Wait()
		_ = g.Wait()
		close(results)
	}()

	// Collector: aggregate outcomes until the channel drains.
	for out := range results {
		report.Succeeded += out.succeeded
		report.Conflicts += out.conflicts
		report.Retries += out.retries
		report.Splits += out.splits
		report.Failures = append(report.Failures, out.failures...)
	}
	return report
}

// process applies one batch, retrying retryable failures with exponential
// backoff and recursively halving on validation failures until single bad
// items are isolated.
func (e *Executor) process(ctx context.Context, b *batch, fn BatchFunc, out *batchOutcome) {
	var err error
	for {
		err = fn(ctx, b.items)
		if err == nil {
			out.succeeded += len(b.items)
			return
		}
		if !IsRetryable(err) || b.retries >= e.cfg.MaxRetries {
			break
		}
		b.retries++
		out.retries++
		delay := e.backoff(b.retries, err)
		e.logger.Warn().
			Err(err).
			Int("batch_size", len(b.items)).
			Int("attempt", b.retries).
			Dur("backoff", delay).
			Msg("Retrying batch after failure")
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			err = NewPermanentError("run cancelled", sleepErr)
			break
		}
	}

	// A validation rejection of a multi-item batch may mean the batch is
	// too large or hides one bad item; halve and resubmit both halves.
	if (IsValidation(err) || IsConflict(err)) && len(b.items) > 1 {
		out.splits++
		mid := len(b.items) / 2
		e.logger.Debug().
			Int("batch_size", len(b.items)).
			Msg("Splitting rejected batch")
		left := &batch{items: b.items[:mid], offset: b.offset}
		right := &batch{items: b.items[mid:], offset: b.offset + mid}
		e.process(ctx, left, fn, out)
		e.process(ctx, right, fn, out)
		return
	}

	// Single conflicting item: the resource already exists. Warn, move on.
	if IsConflict(err) && len(b.items) == 1 {
		out.conflicts++
		e.logger.Warn().
			Err(err).
			Int("item", b.offset).
			Msg("Item already exists, skipping")
		return
	}

	for i := range b.items {
		out.failures = append(out.failures, ItemFailure{Index: b.offset + i, Err: err})
	}
}

// backoff calculates exponential backoff with jitter. Throttled errors
// start from a longer base delay.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.cfg.BackoffBase
	if IsThrottled(err) {
		base *= 10
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
