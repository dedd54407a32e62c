package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadline/sms-backend/internal/domain"
)

var (
	ErrQueueNameRequired = errors.New("queue name is required")
	ErrQueueFull         = errors.New("queue backpressure: buffer is full")
	ErrQueueClosed       = errors.New("queue is closed")
)

// Producer appends jobs to the tail of a named queue.
type Producer interface {
	Enqueue(ctx context.Context, queueName string, job domain.Job) error
}

// Consumer removes jobs from the head of a named queue.
// Dequeue returns (nil, nil) when timeout expires without a job.
type Consumer interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*domain.Job, error)
}

// Backend is a queue store usable by the worker scheduler.
type Backend interface {
	Producer
	Consumer
	// PromoteDue moves deferred jobs whose time has come onto the ready list.
	PromoteDue(ctx context.Context, queueName string, now time.Time) (int, error)
	DeadLetter(ctx context.Context, queueName string, job domain.Job, reason string) error
}

// Inspector exposes queue sizes for monitoring.
type Inspector interface {
	Depth(ctx context.Context, queueName string) (int64, error)
	DelayedCount(ctx context.Context, queueName string) (int64, error)
	DeadLetterCount(ctx context.Context, queueName string) (int64, error)
}

// EventPublisher broadcasts JSON messages on a pub/sub channel.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// DeadLetterEntry is the stored form of a job that exhausted its attempts.
type DeadLetterEntry struct {
	Job      domain.Job `json:"job"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failedAt"`
}

// prepareJob fills identity fields assigned at enqueue time.
func prepareJob(queueName string, job domain.Job, now time.Time) (domain.Job, error) {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return domain.Job{}, ErrQueueNameRequired
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}
	job.Queue = queueName
	return job, nil
}
