package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/queue"
)

const (
	defaultConcurrency    = 1
	defaultPollInterval   = 500 * time.Millisecond
	defaultDequeueTimeout = 2 * time.Second
	errorBackoff          = 2 * time.Second
)

var ErrSchedulerStarted = errors.New("scheduler already started")

// Result is what a handler reports for a finished job.
type Result struct {
	Success bool
	Detail  string
}

// Handler processes one job. A returned error marks the attempt as failed.
type Handler func(ctx context.Context, job domain.Job) (Result, error)

// RetryPolicy controls what happens after a failed attempt.
// The zero value runs each job once and drops it on failure.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	DeadLetter  bool
}

type QueueConfig struct {
	Name           string
	Concurrency    int
	Handler        Handler
	PollInterval   time.Duration
	DequeueTimeout time.Duration
	Retry          RetryPolicy
}

type pool struct {
	config QueueConfig
	active atomic.Int32
}

// Scheduler runs a fixed number of consumer goroutines per registered queue.
type Scheduler struct {
	backend queue.Backend
	events  queue.EventPublisher
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	pools   map[string]*pool
	order   []string
	started bool
	wg      sync.WaitGroup
}

func NewScheduler(backend queue.Backend, events queue.EventPublisher, logger *log.Logger) *Scheduler {
	return &Scheduler{
		backend: backend,
		events:  events,
		logger:  logger,
		now:     time.Now,
		pools:   make(map[string]*pool),
	}
}

func (s *Scheduler) Register(config QueueConfig) error {
	config.Name = strings.TrimSpace(config.Name)
	if config.Name == "" {
		return queue.ErrQueueNameRequired
	}
	if config.Handler == nil {
		return fmt.Errorf("queue %s: handler is required", config.Name)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaultDequeueTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}
	if _, exists := s.pools[config.Name]; exists {
		return fmt.Errorf("queue %s already registered", config.Name)
	}
	s.pools[config.Name] = &pool{config: config}
	s.order = append(s.order, config.Name)
	return nil
}

// Queues lists registered queue names in registration order.
func (s *Scheduler) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Active reports how many handlers are currently running for queueName.
func (s *Scheduler) Active(queueName string) int {
	s.mu.Lock()
	p, ok := s.pools[queueName]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return int(p.active.Load())
}

// Start launches the consumer loops. Cancelling ctx stops new dequeues;
// handlers already running are allowed to finish. Use Wait to block on that.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	for _, name := range s.order {
		p := s.pools[name]
		for slot := 0; slot < p.config.Concurrency; slot++ {
			s.wg.Add(1)
			go s.consume(ctx, p, slot)
		}
		s.logf(
			"worker pool started queue=%s concurrency=%d max_attempts=%d",
			name,
			p.config.Concurrency,
			p.config.Retry.MaxAttempts,
		)
	}
	return nil
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) consume(ctx context.Context, p *pool, slot int) {
	defer s.wg.Done()
	name := p.config.Name

	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.backend.PromoteDue(ctx, name, s.now()); err != nil && ctx.Err() == nil {
			s.logf("promote delayed jobs failed queue=%s slot=%d err=%v", name, slot, err)
		}

		job, err := s.backend.Dequeue(ctx, name, p.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logf("dequeue failed queue=%s slot=%d err=%v", name, slot, err)
			sleep(ctx, errorBackoff)
			continue
		}
		if job == nil {
			sleep(ctx, p.config.PollInterval)
			continue
		}

		s.run(ctx, p, *job)
	}
}

func (s *Scheduler) run(ctx context.Context, p *pool, job domain.Job) {
	name := p.config.Name

	// Jobs normally wait in the delay set; this covers producers whose clock
	// runs ahead of ours. The slot stays occupied while waiting.
	if wait := job.DueIn(s.now()); wait > 0 {
		if !sleep(ctx, wait) {
			requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.backend.Enqueue(requeueCtx, name, job); err != nil {
				s.logf("requeue deferred job on shutdown failed queue=%s job_id=%s err=%v", name, job.ID, err)
			}
			return
		}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	runCtx := context.WithoutCancel(ctx)
	started := s.now()
	result, err := invoke(runCtx, p.config.Handler, job)
	duration := s.now().Sub(started)

	event := domain.JobEvent{
		JobID:      job.ID,
		Kind:       job.Kind,
		Queue:      name,
		CustomerID: job.CustomerID,
		DurationMS: duration.Milliseconds(),
		Attempt:    job.Attempt + 1,
		Detail:     result.Detail,
	}

	if err == nil {
		event.Success = result.Success
		s.publish(runCtx, domain.CompletedChannel(name), event)
		s.logf(
			"job completed queue=%s kind=%s job_id=%s customer_id=%s success=%t duration_ms=%d",
			name, job.Kind, job.ID, job.CustomerID, result.Success, event.DurationMS,
		)
		return
	}

	event.Success = false
	event.Error = err.Error()
	s.publish(runCtx, domain.FailedChannel(name), event)
	s.logf(
		"job failed queue=%s kind=%s job_id=%s customer_id=%s attempt=%d err=%v",
		name, job.Kind, job.ID, job.CustomerID, event.Attempt, err,
	)
	s.afterFailure(runCtx, p, job, err)
}

func (s *Scheduler) afterFailure(ctx context.Context, p *pool, job domain.Job, cause error) {
	policy := p.config.Retry
	name := p.config.Name
	job.Attempt++

	if job.Attempt < policy.MaxAttempts {
		due := s.now().Add(policy.Backoff * time.Duration(job.Attempt))
		job.ScheduledFor = &due
		if err := s.backend.Enqueue(ctx, name, job); err != nil {
			s.logf("retry enqueue failed queue=%s job_id=%s err=%v", name, job.ID, err)
		}
		return
	}

	if !policy.DeadLetter {
		return
	}
	if err := s.backend.DeadLetter(ctx, name, job, cause.Error()); err != nil {
		s.logf("dead letter failed queue=%s job_id=%s err=%v", name, job.ID, err)
	}
}

func (s *Scheduler) publish(ctx context.Context, channel string, event domain.JobEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, channel, event); err != nil {
		s.logf("publish job event failed channel=%s job_id=%s err=%v", channel, event.JobID, err)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// invoke runs handler, turning a panic into an error.
func invoke(ctx context.Context, handler Handler, job domain.Job) (result Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(ctx, job)
}

// sleep waits for d or until ctx is done. It reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
