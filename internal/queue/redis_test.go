package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leadline/sms-backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueFromClient(client, ""), server
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	job := domain.Job{
		Kind:       domain.JobKindSMSSend,
		CustomerID: "c1",
		Payload:    json.RawMessage(`{"customerId":"c1","to":"+4512345678","body":"Hej","options":{}}`),
	}
	if err := q.Enqueue(ctx, domain.QueueSMS, job); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := q.Dequeue(ctx, domain.QueueSMS, time.Second)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a job, got none")
	}
	if got.ID == "" {
		t.Fatalf("expected job id to be assigned at enqueue")
	}
	if got.Queue != domain.QueueSMS || got.Kind != domain.JobKindSMSSend || got.CustomerID != "c1" {
		t.Fatalf("unexpected job identity: %+v", got)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Fatalf("expected payload %s, got %s", job.Payload, got.Payload)
	}

	start := time.Now()
	empty, err := q.Dequeue(ctx, domain.QueueSMS, time.Second)
	if err != nil {
		t.Fatalf("expected empty dequeue without error, got %v", err)
	}
	if empty != nil {
		t.Fatalf("expected no job, got %+v", empty)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("expected empty dequeue to return within the timeout bound, took %s", elapsed)
	}
}

func TestRedisQueuePreservesFIFOAndIsolatesQueues(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, domain.QueueNotification, domain.Job{ID: id, Kind: domain.JobKindNotificationSend}); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}
	if err := q.Enqueue(ctx, domain.QueueSMS, domain.Job{ID: "other", Kind: domain.JobKindSMSSend}); err != nil {
		t.Fatalf("enqueue other failed: %v", err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx, domain.QueueNotification, time.Second)
		if err != nil || got == nil {
			t.Fatalf("expected job %s, got %+v err=%v", want, got, err)
		}
		if got.ID != want {
			t.Fatalf("expected FIFO order, wanted %s got %s", want, got.ID)
		}
	}

	depth, err := q.Depth(ctx, domain.QueueSMS)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected sms queue untouched with depth 1, got %d", depth)
	}
}

func TestRedisQueueToleratesUnknownFields(t *testing.T) {
	q, server := newTestRedisQueue(t)

	server.Lpush("queue:"+domain.QueueSMS, `{"id":"j1","kind":"sms_send","queue":"sms_queue","payload":{},"priority":9,"createdAt":"2026-01-01T00:00:00Z","attempt":0}`)

	got, err := q.Dequeue(context.Background(), domain.QueueSMS, time.Second)
	if err != nil {
		t.Fatalf("expected unknown fields to be ignored, got %v", err)
	}
	if got == nil || got.ID != "j1" {
		t.Fatalf("expected job j1, got %+v", got)
	}
}

func TestRedisQueueDefersFutureJobsUntilPromoted(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	due := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, domain.QueueAI, domain.Job{Kind: domain.JobKindAIReply, ScheduledFor: &due}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if depth, _ := q.Depth(ctx, domain.QueueAI); depth != 0 {
		t.Fatalf("expected deferred job to stay off the ready list, depth=%d", depth)
	}
	if delayed, _ := q.DelayedCount(ctx, domain.QueueAI); delayed != 1 {
		t.Fatalf("expected 1 delayed job, got %d", delayed)
	}

	moved, err := q.PromoteDue(ctx, domain.QueueAI, time.Now())
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected nothing due yet, moved=%d", moved)
	}

	moved, err = q.PromoteDue(ctx, domain.QueueAI, due.Add(time.Second))
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 promoted job, got %d", moved)
	}
	got, err := q.Dequeue(ctx, domain.QueueAI, time.Second)
	if err != nil || got == nil {
		t.Fatalf("expected promoted job, got %+v err=%v", got, err)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(due) {
		t.Fatalf("expected scheduledFor to survive the round trip, got %v", got.ScheduledFor)
	}
}

func TestRedisQueueDeadLetterAndPublish(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	if err := q.DeadLetter(ctx, domain.QueueSMS, domain.Job{ID: "dead-1"}, "carrier down"); err != nil {
		t.Fatalf("dead letter failed: %v", err)
	}
	count, err := q.DeadLetterCount(ctx, domain.QueueSMS)
	if err != nil {
		t.Fatalf("dead letter count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dead letter, got %d", count)
	}

	subscription := q.Client().Subscribe(ctx, domain.FailedChannel(domain.QueueSMS))
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := q.Publish(ctx, domain.FailedChannel(domain.QueueSMS), domain.JobEvent{JobID: "dead-1", Error: "carrier down"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case message := <-subscription.Channel():
		var event domain.JobEvent
		if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.JobID != "dead-1" || event.Error != "carrier down" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected published event")
	}
}
