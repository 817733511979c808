package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-paysync/internal/resilience"
)

// Job is a delayed, deduplicated unit of reconciliation work. CorrelationKey
// ties the job to the provider session or order it reconciles; at most one
// pending job may exist per key and kind.
type Job struct {
	Kind           string
	CorrelationKey string
	Payload        []byte
	Delay          time.Duration
	MaxAttempts    int
}

// Scheduler publishes jobs onto redis-backed delay queues.
type Scheduler struct {
	R          *redis.Client
	Prefix     string
	PendingTTL time.Duration
}

// Schedule inserts the job with its not-before time. When a pending job for
// the same correlation key already exists the call reports scheduled=false
// and does not enqueue a duplicate. The pending marker is released once the
// job is acknowledged or dead-lettered.
func (s Scheduler) Schedule(ctx context.Context, job Job) (bool, error) {
	if s.R == nil {
		return false, errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(job.Kind)
	if kind == "" {
		return false, errors.New("queue: job kind is required")
	}
	if job.CorrelationKey == "" {
		return false, errors.New("queue: correlation key is required")
	}
	msg := jobMessage{
		Kind:        kind,
		Key:         job.CorrelationKey,
		Payload:     job.Payload,
		Attempt:     0,
		MaxAttempts: job.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 5
	}
	msg.AvailableAt = time.Now().Add(job.Delay).UnixNano()

	ttl := s.PendingTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ok, err := s.R.SetNX(ctx, pendingKey(s.Prefix, kind, msg.Key), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		// a job for this correlation key is already pending
		return false, nil
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		s.R.Del(ctx, pendingKey(s.Prefix, kind, msg.Key))
		return false, err
	}
	if err := s.R.ZAdd(ctx, queueKey(s.Prefix, kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		// release the marker so the caller's retry is not mistaken for a
		// duplicate of a job that was never enqueued
		s.R.Del(ctx, pendingKey(s.Prefix, kind, msg.Key))
		return false, err
	}
	return true, nil
}

// Worker consumes jobs of a single kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Job) error
	RetryBase         time.Duration
	RetryJitter       float64
	DLQ               Store
}

// Run processes jobs until the context is cancelled. Claimed jobs sit in a
// processing set so a crashed worker's work is redelivered after the
// visibility timeout.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	procKey := processingKey(w.Prefix, kind)
	qKey := queueKey(w.Prefix, kind)

	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, procKey, qKey); err != nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, qKey, 1).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if err == redis.Nil {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// not due yet, push back and wait
			w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
			sleep := time.Duration(msg.AvailableAt - now)
			if sleep > time.Second {
				sleep = time.Second
			}
			time.Sleep(sleep)
			continue
		}

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, procKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m jobMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			err := w.Handler(jobCtx, Job{Kind: kind, CorrelationKey: m.Key, Payload: m.Payload})
			if err != nil {
				QueueProcessedTotal.WithLabelValues(kind, "failed").Inc()
				w.handleFailure(jobCtx, qKey, procKey, raw, m, retryBase)
				return
			}
			QueueProcessedTotal.WithLabelValues(kind, "ok").Inc()
			w.ack(jobCtx, procKey, raw, m)
		}(raw, msg)
	}
}

func (w Worker) handleFailure(ctx context.Context, qKey, procKey, raw string, msg jobMessage, base time.Duration) {
	if raw != "" {
		_ = w.R.ZRem(ctx, procKey, raw)
	}
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_ = w.R.LPush(ctx, dlqKey(w.Prefix, msg.Kind), rawBytes).Err()
		if w.DLQ != nil {
			_, _ = w.DLQ.InsertDLQ(ctx, DLQEntry{
				Kind:           msg.Kind,
				CorrelationKey: msg.Key,
				Payload:        msg.Payload,
				Attempts:       msg.Attempt,
			})
		}
		QueueProcessedTotal.WithLabelValues(msg.Kind, "dlq").Inc()
		_ = w.R.Del(ctx, pendingKey(w.Prefix, msg.Kind, msg.Key)).Err()
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
}

func (w Worker) ack(ctx context.Context, procKey, raw string, msg jobMessage) {
	if raw != "" {
		_ = w.R.ZRem(ctx, procKey, raw)
	}
	_ = w.R.Del(ctx, pendingKey(w.Prefix, msg.Kind, msg.Key)).Err()
}

func (w Worker) requeueExpired(ctx context.Context, procKey, qKey string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, procKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		_ = w.R.ZRem(ctx, procKey, raw).Err()
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", prefix, kind)
}

func pendingKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:pending:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:pending:%s:%s", prefix, kind, key)
}

func decodeMessage(raw string) (jobMessage, error) {
	var msg jobMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return jobMessage{}, err
	}
	return msg, nil
}

type jobMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
