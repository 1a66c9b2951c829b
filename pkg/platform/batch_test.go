package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testExecutor(cfg ExecutorConfig) *Executor {
	e := NewExecutor(cfg, zerolog.Nop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func makeItems(n int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"externalId":"item-%d"}`, i))
	}
	return items
}

func TestExecutor_Run_AllSucceed(t *testing.T) {
	e := testExecutor(ExecutorConfig{MaxWorkers: 2, BatchSize: 10})
	items := makeItems(35)

	var mu sync.Mutex
	var calls int
	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	if report.Succeeded != 35 {
		t.Errorf("Expected 35 succeeded, got %d", report.Succeeded)
	}
	if report.Failed() != 0 {
		t.Errorf("Expected 0 failed, got %d", report.Failed())
	}
	if calls != 4 {
		t.Errorf("Expected 4 batches (10+10+10+5), got %d", calls)
	}
	if err := report.Err(); err != nil {
		t.Errorf("Expected nil error, got: %v", err)
	}
}

func TestExecutor_Run_SplitOnValidation(t *testing.T) {
	// The server rejects batches of exactly 100 items but accepts <= 50.
	// Recursive halving must succeed all 100 via batches [100(fail), 50, 50].
	e := testExecutor(ExecutorConfig{MaxWorkers: 1, BatchSize: 100})
	items := makeItems(100)

	var mu sync.Mutex
	var sizes []int
	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		mu.Lock()
		sizes = append(sizes, len(batch))
		mu.Unlock()
		if len(batch) > 50 {
			return NewValidationError("request too large", nil).WithCode(ErrCodeTooLarge)
		}
		return nil
	})

	if report.Succeeded != 100 {
		t.Errorf("Expected 100 succeeded, got %d", report.Succeeded)
	}
	if report.Splits != 1 {
		t.Errorf("Expected 1 split, got %d", report.Splits)
	}
	want := []int{100, 50, 50}
	if len(sizes) != len(want) {
		t.Fatalf("Expected batch sizes %v, got %v", want, sizes)
	}
	for i, s := range want {
		if sizes[i] != s {
			t.Errorf("Batch %d: expected size %d, got %d", i, s, sizes[i])
		}
	}
}

func TestExecutor_Run_IsolatesSingleBadItem(t *testing.T) {
	e := testExecutor(ExecutorConfig{MaxWorkers: 1, BatchSize: 8})
	items := makeItems(8)
	bad := string(items[5])

	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		for _, item := range batch {
			if string(item) == bad {
				return NewValidationError("invalid item", nil)
			}
		}
		return nil
	})

	if report.Succeeded != 7 {
		t.Errorf("Expected 7 succeeded, got %d", report.Succeeded)
	}
	if report.Failed() != 1 {
		t.Fatalf("Expected 1 failed, got %d", report.Failed())
	}
	if report.Failures[0].Index != 5 {
		t.Errorf("Expected failure at index 5, got %d", report.Failures[0].Index)
	}
	if !IsValidation(report.Failures[0].Err) {
		t.Errorf("Expected validation error, got: %v", report.Failures[0].Err)
	}

	var pbe *PartialBatchError
	err := report.Err()
	if err == nil {
		t.Fatal("Expected PartialBatchError, got nil")
	}
	if !errors.As(err, &pbe) {
		t.Fatalf("Expected PartialBatchError, got %T", err)
	}
	if pbe.FailedCount != 1 || pbe.Total != 8 {
		t.Errorf("Expected 1/8 failed, got %d/%d", pbe.FailedCount, pbe.Total)
	}
}

func TestExecutor_Run_RetriesTransientThenSucceeds(t *testing.T) {
	e := testExecutor(ExecutorConfig{MaxWorkers: 1, BatchSize: 10, MaxRetries: 3})
	items := makeItems(10)

	var calls int
	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		calls++
		if calls < 3 {
			return NewTransientError("connection reset", nil)
		}
		return nil
	})

	if report.Succeeded != 10 {
		t.Errorf("Expected 10 succeeded, got %d", report.Succeeded)
	}
	if report.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", report.Retries)
	}
}

func TestExecutor_Run_ExhaustsRetries(t *testing.T) {
	e := testExecutor(ExecutorConfig{MaxWorkers: 1, BatchSize: 4, MaxRetries: 2})
	items := makeItems(4)

	var calls int
	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		calls++
		return NewTransientError("upstream unavailable", nil)
	})

	if calls != 3 {
		t.Errorf("Expected 3 attempts (1 + 2 retries), got %d", calls)
	}
	if report.Failed() != 4 {
		t.Errorf("Expected all 4 items failed, got %d", report.Failed())
	}
	if report.Succeeded != 0 {
		t.Errorf("Expected 0 succeeded, got %d", report.Succeeded)
	}
}

func TestExecutor_Run_ConflictIsWarningNotFailure(t *testing.T) {
	e := testExecutor(ExecutorConfig{MaxWorkers: 1, BatchSize: 1})
	items := makeItems(3)

	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		if string(batch[0]) == string(items[1]) {
			return NewConflictError("already exists", nil)
		}
		return nil
	})

	if report.Succeeded != 2 {
		t.Errorf("Expected 2 succeeded, got %d", report.Succeeded)
	}
	if report.Conflicts != 1 {
		t.Errorf("Expected 1 conflict, got %d", report.Conflicts)
	}
	if report.Failed() != 0 {
		t.Errorf("Expected 0 failed, got %d", report.Failed())
	}
	if err := report.Err(); err != nil {
		t.Errorf("Conflicts must not produce an error, got: %v", err)
	}
}

func TestExecutor_Run_PermanentErrorFailsWholeBatch(t *testing.T) {
	e := testExecutor(ExecutorConfig{MaxWorkers: 2, BatchSize: 5})
	items := makeItems(10)

	report := e.Run(context.Background(), items, func(ctx context.Context, batch []json.RawMessage) error {
		return NewPermanentError("broken", nil)
	})

	if report.Failed() != 10 {
		t.Errorf("Expected 10 failed, got %d", report.Failed())
	}
	if report.Retries != 0 {
		t.Errorf("Permanent errors must not be retried, got %d retries", report.Retries)
	}
}

func TestExecutor_Run_EmptyInput(t *testing.T) {
	e := testExecutor(ExecutorConfig{})
	report := e.Run(context.Background(), nil, func(ctx context.Context, batch []json.RawMessage) error {
		t.Error("BatchFunc must not be called for empty input")
		return nil
	})
	if report.Succeeded != 0 || report.Failed() != 0 {
		t.Errorf("Expected empty report, got %+v", report)
	}
}

func TestExecutor_Run_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := testExecutor(ExecutorConfig{MaxWorkers: 1, BatchSize: 1, QueueSize: 1})
	items := makeItems(50)

	var applied int
	report := e.Run(ctx, items, func(ctx context.Context, batch []json.RawMessage) error {
		applied++
		if applied == 3 {
			cancel()
		}
		return nil
	})

	if report.Succeeded < 3 {
		t.Errorf("In-flight batches must complete, got %d succeeded", report.Succeeded)
	}
	if report.Succeeded+report.Failed() != 50 {
		t.Errorf("Every item must be accounted for: %d succeeded + %d failed != 50",
			report.Succeeded, report.Failed())
	}
	if report.Failed() == 0 {
		t.Error("Expected queued items to fail after cancellation")
	}
}
