package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config, handler Handler) *Queue {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	q, err := New(cfg, handler)
	require.NoError(t, err)
	q.Start()
	t.Cleanup(func() { q.Close() })
	return q
}

func waitForState(t *testing.T, q *Queue, id string, want State) *Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			j, _ := q.GetStatus(id)
			t.Fatalf("job %s never reached %s, last: %+v", id, want, j)
			return nil
		case <-time.After(5 * time.Millisecond):
			j, err := q.GetStatus(id)
			require.NoError(t, err)
			if j.State == want {
				return j
			}
		}
	}
}

func TestQueue(t *testing.T) {
	t.Run("should run a job to completion", func(t *testing.T) {
		q := newTestQueue(t, Config{Concurrency: 2}, func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
			return fmt.Sprintf("done: %v", payload), nil
		})

		j, err := q.Enqueue("hello", nil)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, j.State)

		final := waitForState(t, q, j.ID, StateCompleted)
		assert.Equal(t, "done: hello", final.Result)
		assert.Equal(t, 1, final.AttemptsMade)
		assert.NotNil(t, final.FinishedAt)
	})

	t.Run("should retry with backoff and succeed on the second attempt", func(t *testing.T) {
		var mu sync.Mutex
		attempts := 0
		q := newTestQueue(t, Config{Concurrency: 1, MaxAttempts: 2, BackoffBase: 10 * time.Millisecond},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				mu.Lock()
				attempts++
				n := attempts
				mu.Unlock()
				if n == 1 {
					return nil, fmt.Errorf("transient upstream error")
				}
				return "ok", nil
			})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)

		final := waitForState(t, q, j.ID, StateCompleted)
		assert.Equal(t, 2, final.AttemptsMade)
		assert.Equal(t, "ok", final.Result)
	})

	t.Run("should fail permanently once attempts are exhausted", func(t *testing.T) {
		q := newTestQueue(t, Config{Concurrency: 1, MaxAttempts: 2, BackoffBase: 5 * time.Millisecond},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				return nil, fmt.Errorf("always broken")
			})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)

		final := waitForState(t, q, j.ID, StateFailed)
		assert.Equal(t, 2, final.AttemptsMade)
		assert.Contains(t, final.Err, "always broken")
	})

	t.Run("should remove a waiting job on cancel", func(t *testing.T) {
		release := make(chan struct{})
		q := newTestQueue(t, Config{Concurrency: 1},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				<-release
				return nil, nil
			})

		blocker, err := q.Enqueue("blocker", nil)
		require.NoError(t, err)
		waitForState(t, q, blocker.ID, StateActive)

		waiting, err := q.Enqueue("waiting", nil)
		require.NoError(t, err)

		require.NoError(t, q.Cancel(waiting.ID))
		j, err := q.GetStatus(waiting.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, j.State)
		assert.Equal(t, 0, j.AttemptsMade)

		close(release)
	})

	t.Run("should cancel an active job without retrying it", func(t *testing.T) {
		q := newTestQueue(t, Config{Concurrency: 1, MaxAttempts: 3, BackoffBase: 5 * time.Millisecond},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)
		waitForState(t, q, j.ID, StateActive)

		require.NoError(t, q.Cancel(j.ID))
		final := waitForState(t, q, j.ID, StateCancelled)
		assert.Equal(t, 1, final.AttemptsMade)
		assert.Nil(t, final.Result)
	})

	t.Run("should enforce the wall-clock timeout", func(t *testing.T) {
		q := newTestQueue(t, Config{Concurrency: 1, MaxAttempts: 1},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		j, err := q.Enqueue(nil, &JobOptions{Timeout: 20 * time.Millisecond})
		require.NoError(t, err)

		final := waitForState(t, q, j.ID, StateFailed)
		assert.Contains(t, final.Err, "deadline exceeded")
	})

	t.Run("should bound concurrency at the pool size", func(t *testing.T) {
		var mu sync.Mutex
		running, peak := 0, 0
		release := make(chan struct{})

		q := newTestQueue(t, Config{Concurrency: 2},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				<-release
				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			})

		var ids []string
		for i := 0; i < 6; i++ {
			j, err := q.Enqueue(i, nil)
			require.NoError(t, err)
			ids = append(ids, j.ID)
		}

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 2, peak)
		mu.Unlock()

		close(release)
		for _, id := range ids {
			waitForState(t, q, id, StateCompleted)
		}
	})

	t.Run("should deliver progress updates to attached sinks", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		q := newTestQueue(t, Config{Concurrency: 1},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				close(started)
				<-release
				report(Progress{Current: 1000, Total: 5000, Percentage: 20})
				report(Progress{Current: 5000, Total: 5000, Percentage: 100})
				return "merged", nil
			})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)
		<-started

		var mu sync.Mutex
		var updates []Update
		detach, err := q.AttachProgress(j.ID, func(u Update) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		})
		require.NoError(t, err)
		defer detach()

		close(release)
		waitForState(t, q, j.ID, StateCompleted)

		mu.Lock()
		defer mu.Unlock()
		require.GreaterOrEqual(t, len(updates), 3)
		assert.Equal(t, 1000, updates[0].Progress.Current)
		last := updates[len(updates)-1]
		assert.Equal(t, StateCompleted, last.State)
		assert.Equal(t, "merged", last.Result)
	})

	t.Run("should answer reattachment to a finished job immediately", func(t *testing.T) {
		q := newTestQueue(t, Config{Concurrency: 1},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				return 42, nil
			})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)
		waitForState(t, q, j.ID, StateCompleted)

		var got *Update
		detach, err := q.AttachProgress(j.ID, func(u Update) {
			u2 := u
			got = &u2
		})
		require.NoError(t, err)
		defer detach()

		require.NotNil(t, got)
		assert.Equal(t, StateCompleted, got.State)
		assert.Equal(t, 42, got.Result)
	})

	t.Run("should stop delivering after detach", func(t *testing.T) {
		release := make(chan struct{})
		reported := make(chan struct{})
		q := newTestQueue(t, Config{Concurrency: 1},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				<-release
				report(Progress{Current: 1})
				close(reported)
				return nil, nil
			})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)

		calls := 0
		detach, err := q.AttachProgress(j.ID, func(u Update) { calls++ })
		require.NoError(t, err)
		detach()

		close(release)
		<-reported
		waitForState(t, q, j.ID, StateCompleted)
		assert.Zero(t, calls)
	})

	t.Run("should reclaim terminal jobs past retention", func(t *testing.T) {
		q := newTestQueue(t, Config{
			Concurrency:        1,
			RetentionCompleted: 10 * time.Millisecond,
			RetentionFailed:    time.Hour,
		}, func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
			return nil, nil
		})

		j, err := q.Enqueue(nil, nil)
		require.NoError(t, err)
		waitForState(t, q, j.ID, StateCompleted)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, q.Sweep())

		_, err = q.GetStatus(j.ID)
		assert.ErrorIs(t, err, ErrUnknownJob)
	})

	t.Run("should keep failed jobs longer than completed ones", func(t *testing.T) {
		q := newTestQueue(t, Config{
			Concurrency:        1,
			MaxAttempts:        1,
			RetentionCompleted: 10 * time.Millisecond,
			RetentionFailed:    time.Hour,
		}, func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
			if payload == "fail" {
				return nil, fmt.Errorf("broken")
			}
			return nil, nil
		})

		ok, err := q.Enqueue("ok", nil)
		require.NoError(t, err)
		bad, err := q.Enqueue("fail", nil)
		require.NoError(t, err)
		waitForState(t, q, ok.ID, StateCompleted)
		waitForState(t, q, bad.ID, StateFailed)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, q.Sweep())

		_, err = q.GetStatus(bad.ID)
		assert.NoError(t, err)
	})

	t.Run("should report unknown job ids", func(t *testing.T) {
		q := newTestQueue(t, Config{Concurrency: 1},
			func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error) {
				return nil, nil
			})

		_, err := q.GetStatus("nope")
		assert.ErrorIs(t, err, ErrUnknownJob)
		assert.ErrorIs(t, q.Cancel("nope"), ErrUnknownJob)
		_, err = q.AttachProgress("nope", func(Update) {})
		assert.ErrorIs(t, err, ErrUnknownJob)
	})
}
