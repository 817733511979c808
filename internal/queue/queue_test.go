package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paysync/internal/queue"
)

func newQueueRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestScheduleAndProcess(t *testing.T) {
	client := newQueueRedis(t)
	sched := queue.Scheduler{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduled, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1", Payload: []byte("payload")})
	require.NoError(t, err)
	require.True(t, scheduled)

	processed := make(chan queue.Job, 1)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "test",
		Kind:              "confirm",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Handler: func(_ context.Context, job queue.Job) error {
			processed <- job
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case job := <-processed:
		require.Equal(t, "sess-1", job.CorrelationKey)
		require.Equal(t, []byte("payload"), job.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for job")
	}
}

func TestScheduleDeduplicatesPerCorrelationKey(t *testing.T) {
	client := newQueueRedis(t)
	sched := queue.Scheduler{R: client, Prefix: "dedup"}
	ctx := context.Background()

	first, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1", Delay: time.Minute})
	require.NoError(t, err)
	require.True(t, first)

	second, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1", Delay: time.Minute})
	require.NoError(t, err)
	require.False(t, second, "duplicate notification must not schedule a second job")

	other, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-2", Delay: time.Minute})
	require.NoError(t, err)
	require.True(t, other)

	depth, err := client.ZCard(ctx, "dedup:queue:confirm").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)
}

func TestPendingMarkerReleasedAfterAck(t *testing.T) {
	client := newQueueRedis(t)
	sched := queue.Scheduler{R: client, Prefix: "ack"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduled, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1"})
	require.NoError(t, err)
	require.True(t, scheduled)

	done := make(chan struct{})
	worker := queue.Worker{
		R:                 client,
		Prefix:            "ack",
		Kind:              "confirm",
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Handler: func(context.Context, queue.Job) error {
			close(done)
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for job")
	}

	// the marker deletion races the handler return; poll briefly
	require.Eventually(t, func() bool {
		again, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1", Delay: time.Minute})
		return err == nil && again
	}, time.Second, 10*time.Millisecond, "correlation key must be schedulable again after ack")
	cancel()
}

func TestWorkerRetriesFailedJob(t *testing.T) {
	client := newQueueRedis(t)
	sched := queue.Scheduler{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduled, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1", MaxAttempts: 3})
	require.NoError(t, err)
	require.True(t, scheduled)

	var attempts atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              "confirm",
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		Handler: func(context.Context, queue.Job) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry in time")
	}
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestDelayedJobNotDeliveredEarly(t *testing.T) {
	client := newQueueRedis(t)
	sched := queue.Scheduler{R: client, Prefix: "delay"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduled, err := sched.Schedule(ctx, queue.Job{Kind: "confirm", CorrelationKey: "sess-1", Delay: 250 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, scheduled)

	start := time.Now()
	done := make(chan time.Duration, 1)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "delay",
		Kind:              "confirm",
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Handler: func(context.Context, queue.Job) error {
			done <- time.Since(start)
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case elapsed := <-done:
		require.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "job ran before its not-before time")
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for delayed job")
	}
}

// failZAdd rejects ZADD commands so the enqueue step can be failed in
// isolation while SETNX and DEL still reach the server.
type failZAdd struct{}

func (failZAdd) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failZAdd) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "zadd" {
			return errors.New("connection reset")
		}
		return next(ctx, cmd)
	}
}

func (failZAdd) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestScheduleReleasesMarkerOnEnqueueFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	broken := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broken.AddHook(failZAdd{})
	t.Cleanup(func() { _ = broken.Close() })

	ctx := context.Background()
	job := queue.Job{Kind: "confirm", CorrelationKey: "sess-1", Payload: []byte("payload")}

	_, err := queue.Scheduler{R: broken, Prefix: "test"}.Schedule(ctx, job)
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.EqualValues(t, 0, client.Exists(ctx, "test:pending:confirm:sess-1").Val(),
		"marker must be released when nothing was enqueued")

	scheduled, err := queue.Scheduler{R: client, Prefix: "test"}.Schedule(ctx, job)
	require.NoError(t, err)
	require.True(t, scheduled, "retry after a failed enqueue must schedule")
	require.EqualValues(t, 1, client.ZCard(ctx, "test:queue:confirm").Val())
}
