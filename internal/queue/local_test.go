package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
)

func TestLocalQueueRoundTripAndTimeout(t *testing.T) {
	q := NewLocalQueue(8, log.New(io.Discard, "", 0))
	defer q.Close()
	ctx := context.Background()

	payload := json.RawMessage(`{"customerId":"c1","notificationType":"new_lead","payload":{}}`)
	if err := q.Enqueue(ctx, domain.QueueNotification, domain.Job{Kind: domain.JobKindNotificationSend, Payload: payload}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := q.Dequeue(ctx, domain.QueueNotification, 100*time.Millisecond)
	if err != nil || got == nil {
		t.Fatalf("expected job, got %+v err=%v", got, err)
	}
	if string(got.Payload) != string(payload) {
		t.Fatalf("expected payload %s, got %s", payload, got.Payload)
	}

	start := time.Now()
	empty, err := q.Dequeue(ctx, domain.QueueNotification, 50*time.Millisecond)
	if err != nil || empty != nil {
		t.Fatalf("expected no job and no error, got %+v err=%v", empty, err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected timeout to bound the wait")
	}
}

func TestLocalQueueBackpressure(t *testing.T) {
	q := NewLocalQueue(1, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.QueueSMS, domain.Job{Kind: domain.JobKindSMSSend}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, domain.QueueSMS, domain.Job{Kind: domain.JobKindSMSSend}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestLocalQueueDeliversDeferredJobWhenDue(t *testing.T) {
	q := NewLocalQueue(8, nil)
	defer q.Close()
	ctx := context.Background()

	due := time.Now().Add(80 * time.Millisecond)
	if err := q.Enqueue(ctx, domain.QueueAI, domain.Job{ID: "later", Kind: domain.JobKindAIReply, ScheduledFor: &due}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if delayed, _ := q.DelayedCount(ctx, domain.QueueAI); delayed != 1 {
		t.Fatalf("expected 1 delayed job, got %d", delayed)
	}

	early, err := q.Dequeue(ctx, domain.QueueAI, 10*time.Millisecond)
	if err != nil || early != nil {
		t.Fatalf("expected deferred job to be invisible before due, got %+v err=%v", early, err)
	}

	got, err := q.Dequeue(ctx, domain.QueueAI, time.Second)
	if err != nil || got == nil {
		t.Fatalf("expected deferred job after due time, got %+v err=%v", got, err)
	}
	if got.ID != "later" {
		t.Fatalf("expected job later, got %s", got.ID)
	}
}

func TestLocalQueueKeepsDeferredJobWhileBufferIsFull(t *testing.T) {
	q := NewLocalQueue(1, nil)
	q.retryDelay = 5 * time.Millisecond
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.QueueAI, domain.Job{ID: "now", Kind: domain.JobKindAIReply}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	due := time.Now().Add(10 * time.Millisecond)
	if err := q.Enqueue(ctx, domain.QueueAI, domain.Job{ID: "later", Kind: domain.JobKindAIReply, ScheduledFor: &due}); err != nil {
		t.Fatalf("deferred enqueue failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if delayed, _ := q.DelayedCount(ctx, domain.QueueAI); delayed != 1 {
		t.Fatalf("expected deferred job to wait for room, got delayed=%d", delayed)
	}

	for _, want := range []string{"now", "later"} {
		got, err := q.Dequeue(ctx, domain.QueueAI, time.Second)
		if err != nil || got == nil {
			t.Fatalf("expected job %s, got %+v err=%v", want, got, err)
		}
		if got.ID != want {
			t.Fatalf("expected job %s, got %s", want, got.ID)
		}
	}
	if delayed, _ := q.DelayedCount(ctx, domain.QueueAI); delayed != 0 {
		t.Fatalf("expected no delayed jobs after delivery, got %d", delayed)
	}
}

func TestLocalQueueEnqueueAfterCloseFails(t *testing.T) {
	q := NewLocalQueue(4, nil)
	q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.QueueSMS, domain.Job{Kind: domain.JobKindSMSSend}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	due := time.Now().Add(time.Minute)
	if err := q.Enqueue(ctx, domain.QueueAI, domain.Job{Kind: domain.JobKindAIReply, ScheduledFor: &due}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed for deferred job, got %v", err)
	}
	if delayed, _ := q.DelayedCount(ctx, domain.QueueAI); delayed != 0 {
		t.Fatalf("expected rejected job not to be counted, got %d", delayed)
	}
}

func TestLocalQueueRejectsEmptyName(t *testing.T) {
	q := NewLocalQueue(1, nil)
	defer q.Close()
	if err := q.Enqueue(context.Background(), " ", domain.Job{}); err != ErrQueueNameRequired {
		t.Fatalf("expected ErrQueueNameRequired, got %v", err)
	}
}

func TestLocalPublisherFanOut(t *testing.T) {
	publisher := NewLocalPublisher()
	events, cancel := publisher.Subscribe("queue:sms_queue:completed", 4)
	defer cancel()

	if err := publisher.Publish(context.Background(), "queue:sms_queue:completed", domain.JobEvent{JobID: "j1", Success: true}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case raw := <-events:
		var event domain.JobEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.JobID != "j1" || !event.Success {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event to be delivered")
	}
}
