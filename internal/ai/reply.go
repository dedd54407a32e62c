package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	contextbuilder "github.com/leadline/sms-backend/internal/context"
	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/policy"
	"github.com/leadline/sms-backend/internal/quality"
	"github.com/leadline/sms-backend/internal/queue"
	"github.com/leadline/sms-backend/internal/repository"
	"github.com/leadline/sms-backend/internal/sms"
	"github.com/leadline/sms-backend/internal/worker"
)

const (
	markerGrace  = 15 * time.Minute
	historyLimit = 20

	defaultSystemPrompt = "You reply to SMS leads on behalf of a local business. " +
		"Answer in the language the lead writes in. Keep replies short, friendly and under 300 characters. " +
		"Never promise prices or appointments that are not in the conversation. Return only the reply text."
)

// ReplyScheduler enqueues a delayed ai_reply job for each inbound message.
// Only the job for the newest message of a conversation produces a reply.
type ReplyScheduler struct {
	queue   queue.Producer
	markers Markers
	logger  *log.Logger
	now     func() time.Time
}

func NewReplyScheduler(producer queue.Producer, markers Markers, logger *log.Logger) *ReplyScheduler {
	return &ReplyScheduler{queue: producer, markers: markers, logger: logger, now: time.Now}
}

func (s *ReplyScheduler) ScheduleReply(ctx context.Context, payload domain.AIReplyPayload, settings domain.AISettings) error {
	wait := settings.ReplyDelay
	if settings.DebounceWindow > wait {
		wait = settings.DebounceWindow
	}

	if s.markers != nil {
		if err := s.markers.SetLatest(ctx, payload.ConversationID, payload.MessageID, wait+markerGrace); err != nil {
			return err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode ai reply payload: %w", err)
	}
	job := domain.Job{
		ID:         uuid.NewString(),
		Kind:       domain.JobKindAIReply,
		CustomerID: payload.CustomerID,
		Payload:    body,
	}
	if wait > 0 {
		due := s.now().UTC().Add(wait)
		job.ScheduledFor = &due
	}
	if err := s.queue.Enqueue(ctx, domain.QueueAI, job); err != nil {
		return fmt.Errorf("enqueue ai reply: %w", err)
	}

	if s.logger != nil {
		s.logger.Printf(
			"ai reply scheduled customer_id=%s conversation_id=%s message_id=%s wait_ms=%d job_id=%s",
			payload.CustomerID, payload.ConversationID, payload.MessageID, wait.Milliseconds(), job.ID,
		)
	}
	return nil
}

type DraftRequest struct {
	Settings domain.AISettings
	History  []domain.Message
	Latest   domain.AIReplyPayload
}

type Draft struct {
	Text         string
	ModelID      string
	UsedFallback bool
}

type Drafter interface {
	Draft(ctx context.Context, request DraftRequest) (Draft, error)
}

// GeneratorDrafter drafts replies with a TextGenerator, retrying once on the
// fallback model.
type GeneratorDrafter struct {
	generator TextGenerator
	router    *ModelRouter
	logger    *log.Logger
}

func NewGeneratorDrafter(generator TextGenerator, router *ModelRouter, logger *log.Logger) *GeneratorDrafter {
	if router == nil {
		router = NewModelRouter(ModelRouterConfig{})
	}
	return &GeneratorDrafter{generator: generator, router: router, logger: logger}
}

func (d *GeneratorDrafter) Draft(ctx context.Context, request DraftRequest) (Draft, error) {
	if d.generator == nil || !d.generator.Available() {
		return Draft{}, ErrOpenAIUnavailable
	}

	history := request.History
	if len(history) == 0 && strings.TrimSpace(request.Latest.Body) != "" {
		history = []domain.Message{{
			Direction: domain.DirectionInbound,
			Content:   request.Latest.Body,
			Status:    domain.MessageStatusReceived,
		}}
	}
	transcript := contextbuilder.Build(contextbuilder.BuildInput{Messages: history})
	if transcript.ContextText == "" {
		return Draft{}, errors.New("nothing to reply to")
	}

	instructions := strings.TrimSpace(request.Settings.SystemPrompt)
	if instructions == "" {
		instructions = defaultSystemPrompt
	}
	input := "Conversation so far:\n" + transcript.ContextText + "\n\nWrite the next reply from the business to the lead."

	profile := d.router.Select(TaskReply, request.Settings.Model)
	generateRequest := GenerateRequest{
		Model:           profile.PrimaryModel,
		Instructions:    instructions,
		Input:           input,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
	}

	result, err := d.generator.Generate(ctx, generateRequest)
	usedFallback := false
	if err != nil && profile.FallbackModel != "" && ctx.Err() == nil {
		d.logf("ai draft failed model=%s, retrying with fallback=%s: %v", profile.PrimaryModel, profile.FallbackModel, err)
		generateRequest.Model = profile.FallbackModel
		result, err = d.generator.Generate(ctx, generateRequest)
		usedFallback = true
	}
	if err != nil {
		return Draft{}, fmt.Errorf("generate reply: %w", err)
	}

	text := cleanReply(result.Text)
	if text == "" {
		return Draft{}, errors.New("model returned an empty reply")
	}
	return Draft{Text: text, ModelID: result.ModelID, UsedFallback: usedFallback}, nil
}

func (d *GeneratorDrafter) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// cleanReply strips transcript labels and wrapping quotes models tend to add.
func cleanReply(text string) string {
	cleaned := strings.TrimSpace(text)
	for _, prefix := range []string{"Business:", "Reply:"} {
		if len(cleaned) >= len(prefix) && strings.EqualFold(cleaned[:len(prefix)], prefix) {
			cleaned = strings.TrimSpace(cleaned[len(prefix):])
		}
	}
	if len(cleaned) >= 2 && cleaned[0] == '"' && cleaned[len(cleaned)-1] == '"' {
		cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
	}
	return cleaned
}

type ReplyStore interface {
	GetAISettings(ctx context.Context, customerID string) (*domain.AISettings, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	SaveMessage(ctx context.Context, message *domain.Message) error
}

type Sender interface {
	Send(ctx context.Context, params sms.SendParams) (sms.SendResult, error)
}

type ReplyHandlerConfig struct {
	Store     ReplyStore
	Markers   Markers
	Drafter   Drafter
	Sender    Sender
	Validator *quality.ReplyValidator
	Logger    *log.Logger
}

// ReplyHandler is the ai_queue handler.
type ReplyHandler struct {
	store     ReplyStore
	markers   Markers
	drafter   Drafter
	sender    Sender
	validator *quality.ReplyValidator
	logger    *log.Logger
}

func NewReplyHandler(config ReplyHandlerConfig) *ReplyHandler {
	validator := config.Validator
	if validator == nil {
		validator = quality.NewReplyValidator()
	}
	return &ReplyHandler{
		store:     config.Store,
		markers:   config.Markers,
		drafter:   config.Drafter,
		sender:    config.Sender,
		validator: validator,
		logger:    config.Logger,
	}
}

func (h *ReplyHandler) Handle(ctx context.Context, job domain.Job) (worker.Result, error) {
	var payload domain.AIReplyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return worker.Result{}, fmt.Errorf("decode ai reply payload: %w", err)
	}

	if h.markers != nil {
		latest, err := h.markers.Latest(ctx, payload.ConversationID)
		if err != nil {
			return worker.Result{}, err
		}
		if latest != "" && latest != payload.MessageID {
			h.logf("ai reply superseded conversation_id=%s message_id=%s latest=%s", payload.ConversationID, payload.MessageID, latest)
			return worker.Result{Success: true, Detail: "superseded"}, nil
		}
	}

	settings, err := h.store.GetAISettings(ctx, payload.CustomerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return worker.Result{Success: true, Detail: "disabled"}, nil
		}
		return worker.Result{}, fmt.Errorf("load ai settings: %w", err)
	}
	if !settings.Enabled {
		return worker.Result{Success: true, Detail: "disabled"}, nil
	}

	history, err := h.store.RecentMessages(ctx, payload.ConversationID, historyLimit)
	if err != nil {
		return worker.Result{}, fmt.Errorf("load history: %w", err)
	}

	draft, err := h.drafter.Draft(ctx, DraftRequest{Settings: *settings, History: history, Latest: payload})
	if err != nil {
		return worker.Result{}, err
	}

	decision := policy.ReviewOutbound(*settings, draft.Text)
	checked, err := h.validator.ValidateReply(quality.ReplyValidationInput{
		Draft:       draft.Text,
		LastInbound: latestInbound(history, payload.Body),
	})
	if err != nil {
		decision = policy.ReviewDecision{Required: true, Reason: err.Error()}
	} else {
		draft.Text = checked.Text
		if !decision.Required {
			decision = policy.ReviewOutbound(*settings, draft.Text)
		}
	}
	reply := &domain.Message{
		ConversationID: payload.ConversationID,
		Direction:      domain.DirectionOutbound,
		SenderRole:     domain.SenderAI,
		Content:        draft.Text,
		CreatedAt:      time.Now().UTC(),
	}

	if decision.Required || h.sender == nil {
		reply.Status = domain.MessageStatusDraft
		if err := h.store.SaveMessage(ctx, reply); err != nil {
			return worker.Result{}, fmt.Errorf("save ai draft: %w", err)
		}
		h.logf(
			"ai draft stored conversation_id=%s message_id=%s model=%s reason=%q",
			payload.ConversationID, reply.ID, draft.ModelID, decision.Reason,
		)
		return worker.Result{Success: true, Detail: "draft"}, nil
	}

	sent, err := h.sender.Send(ctx, sms.SendParams{
		CustomerID: payload.CustomerID,
		To:         payload.LeadPhone,
		From:       payload.CustomerPhone,
		Body:       draft.Text,
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("send ai reply: %w", err)
	}
	if !sent.Success {
		return worker.Result{}, fmt.Errorf("send ai reply: %s", sent.Error)
	}

	reply.Status = domain.MessageStatusSent
	reply.ProviderMessageID = sent.ProviderMessageID
	if err := h.store.SaveMessage(ctx, reply); err != nil {
		return worker.Result{}, fmt.Errorf("save ai reply: %w", err)
	}
	h.logf(
		"ai reply sent conversation_id=%s message_id=%s model=%s fallback=%t provider_message_id=%s",
		payload.ConversationID, reply.ID, draft.ModelID, draft.UsedFallback, sent.ProviderMessageID,
	)
	return worker.Result{Success: true, Detail: "sent"}, nil
}

func latestInbound(history []domain.Message, fallback string) string {
	for index := len(history) - 1; index >= 0; index-- {
		if history[index].Direction == domain.DirectionInbound {
			return history[index].Content
		}
	}
	return fallback
}

func (h *ReplyHandler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
