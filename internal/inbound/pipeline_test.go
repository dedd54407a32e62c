package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/notify"
	"github.com/leadline/sms-backend/internal/queue"
	"github.com/leadline/sms-backend/internal/repository"
)

type recordedReply struct {
	payload  domain.AIReplyPayload
	settings domain.AISettings
}

type fakeReplies struct {
	calls []recordedReply
	err   error
}

func (f *fakeReplies) ScheduleReply(_ context.Context, payload domain.AIReplyPayload, settings domain.AISettings) error {
	f.calls = append(f.calls, recordedReply{payload: payload, settings: settings})
	return f.err
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, domain.NotificationType, any) error {
	return errors.New("redis down")
}

type fixture struct {
	store    *repository.MemoryStore
	jobs     *queue.LocalQueue
	replies  *fakeReplies
	pipeline *Pipeline
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	jobs := queue.NewLocalQueue(16, nil)
	t.Cleanup(jobs.Close)
	replies := &fakeReplies{}
	pipeline := NewPipeline(PipelineConfig{
		Store:    store,
		Settings: store,
		Replies:  replies,
		Notifier: notify.NewEnqueuer(jobs),
		Logger:   log.New(io.Discard, "", 0),
	})
	return fixture{store: store, jobs: jobs, replies: replies, pipeline: pipeline}
}

func drainNotifications(t *testing.T, jobs *queue.LocalQueue) []domain.NotificationType {
	t.Helper()
	types := make([]domain.NotificationType, 0)
	for {
		job, err := jobs.Dequeue(context.Background(), domain.QueueNotification, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if job == nil {
			return types
		}
		var payload domain.NotificationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		types = append(types, payload.NotificationType)
	}
}

var firstMessage = domain.InboundMessage{
	CustomerID:        "c1",
	From:              "+4512345678",
	To:                "+4598765432",
	Body:              "Hej",
	ProviderMessageID: "SM1",
}

func TestProcessFirstMessageCreatesConversationAndLead(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Process(context.Background(), firstMessage, Options{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !result.Success || result.ConversationID == "" || result.MessageID == "" || !result.NewLead {
		t.Fatalf("unexpected result %+v", result)
	}

	if got := len(f.store.Conversations("c1")); got != 1 {
		t.Fatalf("expected 1 conversation, got %d", got)
	}
	leads := f.store.Leads("c1")
	if len(leads) != 1 || leads[0].Phone != firstMessage.From || leads[0].Source != domain.LeadSourceSMS {
		t.Fatalf("expected 1 sms lead, got %+v", leads)
	}
	messages := f.store.Messages(result.ConversationID)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	stored := messages[0]
	if stored.Direction != domain.DirectionInbound || stored.Content != "Hej" || stored.ProviderMessageID != "SM1" {
		t.Fatalf("unexpected stored message %+v", stored)
	}

	types := drainNotifications(t, f.jobs)
	if len(types) != 2 || types[0] != domain.NotificationNewLead || types[1] != domain.NotificationNewMessage {
		t.Fatalf("expected [new_lead new_message], got %v", types)
	}
}

func TestProcessSecondMessageReusesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Process(ctx, firstMessage, Options{})
	if err != nil {
		t.Fatalf("first process failed: %v", err)
	}
	drainNotifications(t, f.jobs)

	second := firstMessage
	second.Body = "Er I åbne i dag?"
	second.ProviderMessageID = "SM2"
	result, err := f.pipeline.Process(ctx, second, Options{})
	if err != nil {
		t.Fatalf("second process failed: %v", err)
	}

	if result.ConversationID != first.ConversationID {
		t.Fatalf("expected conversation %s to be reused, got %s", first.ConversationID, result.ConversationID)
	}
	if result.NewLead {
		t.Fatalf("expected no new lead on second message")
	}
	if result.LeadID != first.LeadID {
		t.Fatalf("expected earliest lead %s, got %s", first.LeadID, result.LeadID)
	}
	if got := len(f.store.Leads("c1")); got != 1 {
		t.Fatalf("expected still 1 lead, got %d", got)
	}
	conversation, err := f.store.GetConversation(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conversation.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", conversation.MessageCount)
	}

	types := drainNotifications(t, f.jobs)
	if len(types) != 1 || types[0] != domain.NotificationNewMessage {
		t.Fatalf("expected only new_message, got %v", types)
	}
}

func TestProcessSchedulesReplyOnlyWhenEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, firstMessage, Options{}); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(f.replies.calls) != 0 {
		t.Fatalf("expected no reply without ai settings, got %d", len(f.replies.calls))
	}

	f.store.PutAISettings(domain.AISettings{CustomerID: "c1", Enabled: true, ReplyDelay: 30 * time.Second})
	second := firstMessage
	second.ProviderMessageID = "SM2"
	result, err := f.pipeline.Process(ctx, second, Options{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(f.replies.calls) != 1 {
		t.Fatalf("expected one scheduled reply, got %d", len(f.replies.calls))
	}
	call := f.replies.calls[0]
	if call.payload.MessageID != result.MessageID || call.payload.ConversationID != result.ConversationID || call.payload.Body != "Hej" {
		t.Fatalf("unexpected reply payload %+v", call.payload)
	}
	if call.payload.CustomerPhone != firstMessage.To || call.settings.ReplyDelay != 30*time.Second {
		t.Fatalf("expected customer number and delay to be handed off, got %+v %+v", call.payload, call.settings)
	}

	third := firstMessage
	third.ProviderMessageID = "SM3"
	if _, err := f.pipeline.Process(ctx, third, Options{DisableAutoReply: true}); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(f.replies.calls) != 1 {
		t.Fatalf("expected auto reply to be skipped when disabled, got %d calls", len(f.replies.calls))
	}
}

func TestProcessIgnoresCarrierRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutAISettings(domain.AISettings{CustomerID: "c1", Enabled: true})

	first, err := f.pipeline.Process(ctx, firstMessage, Options{})
	if err != nil {
		t.Fatalf("first process failed: %v", err)
	}
	again, err := f.pipeline.Process(ctx, firstMessage, Options{})
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if !again.Success || !again.Duplicate || again.NewLead {
		t.Fatalf("expected duplicate result, got %+v", again)
	}
	if again.ConversationID != first.ConversationID || again.MessageID != first.MessageID || again.LeadID != first.LeadID {
		t.Fatalf("expected redelivery to resolve to %+v, got %+v", first, again)
	}
	if got := len(f.store.Messages(first.ConversationID)); got != 1 {
		t.Fatalf("expected 1 stored message, got %d", got)
	}
	conversation, err := f.store.GetConversation(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conversation.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", conversation.MessageCount)
	}
	if len(f.replies.calls) != 1 {
		t.Fatalf("expected one scheduled reply, got %d", len(f.replies.calls))
	}
	types := drainNotifications(t, f.jobs)
	if len(types) != 2 || types[0] != domain.NotificationNewLead || types[1] != domain.NotificationNewMessage {
		t.Fatalf("expected [new_lead new_message], got %v", types)
	}
}

func TestProcessTxIgnoresCarrierRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Process(ctx, firstMessage, Options{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	drainNotifications(t, f.jobs)

	var again domain.InboundResult
	err = f.store.WithinTx(ctx, func(tx repository.ConversationTx) error {
		var err error
		again, err = f.pipeline.ProcessTx(ctx, tx, firstMessage, Options{})
		return err
	})
	if err != nil {
		t.Fatalf("process tx failed: %v", err)
	}
	if !again.Duplicate || again.MessageID != first.MessageID {
		t.Fatalf("expected duplicate of %s, got %+v", first.MessageID, again)
	}
	if types := drainNotifications(t, f.jobs); len(types) != 0 {
		t.Fatalf("expected no notifications for redelivery, got %v", types)
	}
}

func TestProcessWithoutProviderIDStoresEveryMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	message := firstMessage
	message.ProviderMessageID = ""

	first, err := f.pipeline.Process(ctx, message, Options{})
	if err != nil {
		t.Fatalf("first process failed: %v", err)
	}
	second, err := f.pipeline.Process(ctx, message, Options{})
	if err != nil {
		t.Fatalf("second process failed: %v", err)
	}
	if second.Duplicate || second.MessageID == first.MessageID {
		t.Fatalf("expected a second message, got %+v", second)
	}
	if got := len(f.store.Messages(first.ConversationID)); got != 2 {
		t.Fatalf("expected 2 stored messages, got %d", got)
	}
}

func TestProcessSwallowsFollowUpFailures(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAISettings(domain.AISettings{CustomerID: "c1", Enabled: true})
	pipeline := NewPipeline(PipelineConfig{
		Store:    store,
		Settings: store,
		Replies:  &fakeReplies{err: errors.New("ai queue full")},
		Notifier: failingNotifier{},
	})

	result, err := pipeline.Process(context.Background(), firstMessage, Options{})
	if err != nil {
		t.Fatalf("expected follow-up failures to be swallowed, got %v", err)
	}
	if !result.Success || len(store.Messages(result.ConversationID)) != 1 {
		t.Fatalf("expected message to be persisted, got %+v", result)
	}
}

type failingTxStore struct {
	*repository.MemoryStore
}

func (s failingTxStore) WithinTx(ctx context.Context, fn func(tx repository.ConversationTx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx repository.ConversationTx) error {
		return fn(failingInsertTx{tx})
	})
}

type failingInsertTx struct {
	repository.ConversationTx
}

func (failingInsertTx) InsertMessage(context.Context, *domain.Message) error {
	return errors.New("disk full")
}

func TestProcessRollsBackWhenMessageInsertFails(t *testing.T) {
	store := repository.NewMemoryStore()
	jobs := queue.NewLocalQueue(4, nil)
	defer jobs.Close()
	pipeline := NewPipeline(PipelineConfig{
		Store:    failingTxStore{store},
		Notifier: notify.NewEnqueuer(jobs),
	})

	if _, err := pipeline.Process(context.Background(), firstMessage, Options{}); err == nil {
		t.Fatalf("expected insert failure to fail the pipeline")
	}
	if got := len(store.Conversations("c1")); got != 0 {
		t.Fatalf("expected conversation creation to roll back, got %d", got)
	}
	if got := len(store.Leads("c1")); got != 0 {
		t.Fatalf("expected lead creation to roll back, got %d", got)
	}
	if types := drainNotifications(t, jobs); len(types) != 0 {
		t.Fatalf("expected no notifications after rollback, got %v", types)
	}
}

func TestProcessTxUsesCallerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var result domain.InboundResult
	err := f.store.WithinTx(ctx, func(tx repository.ConversationTx) error {
		var err error
		result, err = f.pipeline.ProcessTx(ctx, tx, firstMessage, Options{})
		return err
	})
	if err != nil {
		t.Fatalf("process tx failed: %v", err)
	}
	if !result.Success || !result.NewLead {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := len(f.store.Messages(result.ConversationID)); got != 1 {
		t.Fatalf("expected message committed by caller, got %d", got)
	}
}

func TestProcessRejectsMessageWithoutCustomer(t *testing.T) {
	f := newFixture(t)
	message := firstMessage
	message.CustomerID = ""
	if _, err := f.pipeline.Process(context.Background(), message, Options{}); err == nil {
		t.Fatalf("expected missing customer to be rejected")
	}
}
