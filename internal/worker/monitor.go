package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leadline/sms-backend/internal/queue"
	"github.com/robfig/cron/v3"
)

const DefaultMonitorSpec = "@every 1m"

type QueueStats struct {
	Queue       string
	Depth       int64
	Delayed     int64
	DeadLetters int64
	Active      int
}

// Monitor periodically logs queue sizes for every queue the scheduler runs.
type Monitor struct {
	inspector queue.Inspector
	scheduler *Scheduler
	logger    *log.Logger
	cron      *cron.Cron
}

func NewMonitor(inspector queue.Inspector, scheduler *Scheduler, spec string, logger *log.Logger) (*Monitor, error) {
	if spec == "" {
		spec = DefaultMonitorSpec
	}
	m := &Monitor{
		inspector: inspector,
		scheduler: scheduler,
		logger:    logger,
		cron:      cron.New(),
	}
	if _, err := m.cron.AddFunc(spec, m.tick); err != nil {
		return nil, fmt.Errorf("monitor schedule %q: %w", spec, err)
	}
	return m, nil
}

func (m *Monitor) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for a running report to return.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.Report(ctx)
}

// Report collects and logs stats for each registered queue.
func (m *Monitor) Report(ctx context.Context) []QueueStats {
	queues := m.scheduler.Queues()
	stats := make([]QueueStats, 0, len(queues))
	for _, name := range queues {
		item := QueueStats{Queue: name, Active: m.scheduler.Active(name)}
		var err error
		if item.Depth, err = m.inspector.Depth(ctx, name); err != nil {
			m.logf("queue stats failed queue=%s metric=depth err=%v", name, err)
		}
		if item.Delayed, err = m.inspector.DelayedCount(ctx, name); err != nil {
			m.logf("queue stats failed queue=%s metric=delayed err=%v", name, err)
		}
		if item.DeadLetters, err = m.inspector.DeadLetterCount(ctx, name); err != nil {
			m.logf("queue stats failed queue=%s metric=dead err=%v", name, err)
		}
		m.logf(
			"queue stats queue=%s depth=%d delayed=%d dead=%d active=%d",
			item.Queue, item.Depth, item.Delayed, item.DeadLetters, item.Active,
		)
		stats = append(stats, item)
	}
	return stats
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
