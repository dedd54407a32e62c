package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
)

// LocalQueue is a fallback backend used when Redis is not configured.
// Jobs are stored JSON-encoded so consumers see the same round trip as with Redis.
type LocalQueue struct {
	capacity int
	logger   *log.Logger
	// retryDelay spaces attempts to deliver a due job into a full buffer.
	retryDelay time.Duration

	mu      sync.Mutex
	ready   map[string]chan []byte
	delayed map[string]int
	dead    map[string][]DeadLetterEntry
	timers  map[*time.Timer]struct{}
	closed  bool
}

func NewLocalQueue(capacity int, logger *log.Logger) *LocalQueue {
	if capacity <= 0 {
		capacity = 512
	}
	return &LocalQueue{
		capacity:   capacity,
		logger:     logger,
		retryDelay: 100 * time.Millisecond,
		ready:      make(map[string]chan []byte),
		delayed:    make(map[string]int),
		dead:       make(map[string][]DeadLetterEntry),
		timers:     make(map[*time.Timer]struct{}),
	}
}

func (q *LocalQueue) channel(name string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channelLocked(name)
}

func (q *LocalQueue) channelLocked(name string) chan []byte {
	ch, ok := q.ready[name]
	if !ok {
		ch = make(chan []byte, q.capacity)
		q.ready[name] = ch
	}
	return ch
}

func (q *LocalQueue) Enqueue(ctx context.Context, queueName string, job domain.Job) error {
	now := time.Now()
	job, err := prepareJob(queueName, job, now)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	if delay := job.DueIn(now); delay > 0 {
		q.delayed[job.Queue]++
		q.armLocked(job.Queue, encoded, delay)
		return nil
	}

	select {
	case q.channelLocked(job.Queue) <- encoded:
		return nil
	default:
		return ErrQueueFull
	}
}

// armLocked delivers encoded after delay. A due job that finds the buffer
// full is retried until it fits or the queue closes.
func (q *LocalQueue) armLocked(queueName string, encoded []byte, delay time.Duration) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		select {
		case q.channelLocked(queueName) <- encoded:
			q.delayed[queueName]--
		default:
			q.logf("local queue full, retrying deferred job queue=%s retry_in=%s", queueName, q.retryDelay)
			q.armLocked(queueName, encoded, q.retryDelay)
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *LocalQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*domain.Job, error) {
	if queueName == "" {
		return nil, ErrQueueNameRequired
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case encoded := <-q.channel(queueName):
		var job domain.Job
		if err := json.Unmarshal(encoded, &job); err != nil {
			return nil, fmt.Errorf("decode job from %s: %w", queueName, err)
		}
		return &job, nil
	}
}

// PromoteDue is a no-op: in-process timers deliver deferred jobs themselves.
func (q *LocalQueue) PromoteDue(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (q *LocalQueue) DeadLetter(_ context.Context, queueName string, job domain.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[queueName] = append(q.dead[queueName], DeadLetterEntry{
		Job:      job,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

// DeadLetters returns a copy of the dead-letter entries for queueName.
func (q *LocalQueue) DeadLetters(queueName string) []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetterEntry(nil), q.dead[queueName]...)
}

func (q *LocalQueue) Depth(_ context.Context, queueName string) (int64, error) {
	return int64(len(q.channel(queueName))), nil
}

func (q *LocalQueue) DelayedCount(_ context.Context, queueName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.delayed[queueName]), nil
}

func (q *LocalQueue) DeadLetterCount(_ context.Context, queueName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead[queueName])), nil
}

// Close stops pending deferred deliveries. Later enqueues fail with ErrQueueClosed.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if pending := len(q.timers); pending > 0 {
		q.logf("local queue closed, discarding deferred jobs count=%d", pending)
	}
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
}

func (q *LocalQueue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}
