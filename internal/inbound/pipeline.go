package inbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/policy"
	"github.com/leadline/sms-backend/internal/repository"
)

type SettingsProvider interface {
	GetAISettings(ctx context.Context, customerID string) (*domain.AISettings, error)
}

// ReplyScheduler decides when an automated reply to message runs.
type ReplyScheduler interface {
	ScheduleReply(ctx context.Context, message domain.AIReplyPayload, settings domain.AISettings) error
}

type Notifier interface {
	Notify(ctx context.Context, customerID string, notificationType domain.NotificationType, payload any) error
}

type Options struct {
	DisableAutoReply bool
}

type PipelineConfig struct {
	Store    repository.ConversationStore
	Settings SettingsProvider
	Replies  ReplyScheduler
	Notifier Notifier
	Logger   *log.Logger
}

// Pipeline turns a normalized inbound message into conversation state and
// follow-up jobs.
type Pipeline struct {
	store    repository.ConversationStore
	settings SettingsProvider
	replies  ReplyScheduler
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
}

type NewLeadNotification struct {
	ConversationID string `json:"conversationId"`
	LeadID         string `json:"leadId"`
	Phone          string `json:"phone"`
}

type NewMessageNotification struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	LeadID         string `json:"leadId,omitempty"`
	From           string `json:"from"`
	Body           string `json:"body"`
}

type outcome struct {
	conversation domain.Conversation
	lead         *domain.Lead
	message      domain.Message
	newLead      bool
	duplicate    bool
}

func NewPipeline(config PipelineConfig) *Pipeline {
	return &Pipeline{
		store:    config.Store,
		settings: config.Settings,
		replies:  config.Replies,
		notifier: config.Notifier,
		logger:   config.Logger,
		now:      time.Now,
	}
}

// Process applies message in its own transaction. Notifications and the
// reply hand-off run after commit.
func (p *Pipeline) Process(ctx context.Context, message domain.InboundMessage, opts Options) (domain.InboundResult, error) {
	if err := validate(message); err != nil {
		return domain.InboundResult{}, err
	}

	var result outcome
	err := p.store.WithinTx(ctx, func(tx repository.ConversationTx) error {
		applied, err := p.apply(ctx, tx, message)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return domain.InboundResult{}, err
	}

	p.followUp(ctx, message, result, opts)
	return toResult(result), nil
}

// ProcessTx applies message inside a transaction owned by the caller.
// Follow-ups run before the caller commits.
func (p *Pipeline) ProcessTx(ctx context.Context, tx repository.ConversationTx, message domain.InboundMessage, opts Options) (domain.InboundResult, error) {
	if err := validate(message); err != nil {
		return domain.InboundResult{}, err
	}
	result, err := p.apply(ctx, tx, message)
	if err != nil {
		return domain.InboundResult{}, err
	}
	p.followUp(ctx, message, result, opts)
	return toResult(result), nil
}

func validate(message domain.InboundMessage) error {
	if strings.TrimSpace(message.CustomerID) == "" {
		return fmt.Errorf("inbound: customer id is required")
	}
	if strings.TrimSpace(message.From) == "" {
		return fmt.Errorf("inbound: sender is required")
	}
	return nil
}

func (p *Pipeline) apply(ctx context.Context, tx repository.ConversationTx, message domain.InboundMessage) (outcome, error) {
	now := p.now().UTC()
	var result outcome

	conversation, err := tx.FindActiveConversation(ctx, message.CustomerID, message.From)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return outcome{}, fmt.Errorf("find conversation: %w", err)
	}

	// Checked after the conversation lookup, which serializes a lead's messages,
	// so a concurrent redelivery sees the first copy.
	if message.ProviderMessageID != "" {
		existing, err := tx.FindMessageByProviderID(ctx, message.CustomerID, message.ProviderMessageID)
		switch {
		case err == nil:
			return redelivered(ctx, tx, existing)
		case errors.Is(err, repository.ErrNotFound):
		default:
			return outcome{}, fmt.Errorf("find provider message: %w", err)
		}
	}

	if conversation != nil {
		result.conversation = *conversation
		lead, err := tx.FirstLead(ctx, conversation.ID)
		switch {
		case err == nil:
			result.lead = lead
		case errors.Is(err, repository.ErrNotFound):
		default:
			return outcome{}, fmt.Errorf("load lead: %w", err)
		}
	} else {
		created := domain.Conversation{
			CustomerID:     message.CustomerID,
			LeadPhone:      message.From,
			Status:         domain.ConversationActive,
			LastActivityAt: now,
			CreatedAt:      now,
		}
		if err := tx.CreateConversation(ctx, &created); err != nil {
			return outcome{}, fmt.Errorf("create conversation: %w", err)
		}
		lead := domain.Lead{
			CustomerID:     message.CustomerID,
			ConversationID: created.ID,
			Phone:          message.From,
			Source:         domain.LeadSourceSMS,
			CreatedAt:      now,
		}
		if err := tx.CreateLead(ctx, &lead); err != nil {
			return outcome{}, fmt.Errorf("create lead: %w", err)
		}
		result.conversation = created
		result.lead = &lead
		result.newLead = true
	}

	stored := domain.Message{
		ConversationID:    result.conversation.ID,
		Direction:         domain.DirectionInbound,
		SenderRole:        domain.SenderLead,
		Content:           message.Body,
		ProviderMessageID: message.ProviderMessageID,
		Status:            domain.MessageStatusReceived,
		CreatedAt:         now,
	}
	if err := tx.InsertMessage(ctx, &stored); err != nil {
		return outcome{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.TouchConversation(ctx, result.conversation.ID, stored.CreatedAt); err != nil {
		return outcome{}, fmt.Errorf("touch conversation: %w", err)
	}
	result.message = stored
	return result, nil
}

// redelivered describes a message the carrier sent again. Nothing is written.
func redelivered(ctx context.Context, tx repository.ConversationTx, existing *domain.Message) (outcome, error) {
	result := outcome{
		conversation: domain.Conversation{ID: existing.ConversationID},
		message:      *existing,
		duplicate:    true,
	}
	lead, err := tx.FirstLead(ctx, existing.ConversationID)
	switch {
	case err == nil:
		result.lead = lead
	case errors.Is(err, repository.ErrNotFound):
	default:
		return outcome{}, fmt.Errorf("load lead: %w", err)
	}
	return result, nil
}

// followUp never fails the pipeline; errors are logged. Redeliveries get none.
func (p *Pipeline) followUp(ctx context.Context, message domain.InboundMessage, result outcome, opts Options) {
	if result.duplicate {
		p.logf(
			"inbound duplicate ignored customer_id=%s conversation_id=%s message_id=%s provider_message_id=%s",
			message.CustomerID, result.conversation.ID, result.message.ID, message.ProviderMessageID,
		)
		return
	}

	leadID := ""
	if result.lead != nil {
		leadID = result.lead.ID
	}

	if result.newLead {
		p.notify(ctx, message.CustomerID, domain.NotificationNewLead, NewLeadNotification{
			ConversationID: result.conversation.ID,
			LeadID:         leadID,
			Phone:          message.From,
		})
	}

	if !opts.DisableAutoReply {
		p.scheduleReply(ctx, message, result)
	}

	p.notify(ctx, message.CustomerID, domain.NotificationNewMessage, NewMessageNotification{
		ConversationID: result.conversation.ID,
		MessageID:      result.message.ID,
		LeadID:         leadID,
		From:           message.From,
		Body:           message.Body,
	})

	p.logf(
		"inbound message stored customer_id=%s conversation_id=%s message_id=%s from=%s new_lead=%t",
		message.CustomerID,
		result.conversation.ID,
		result.message.ID,
		policy.MaskPhone(message.From),
		result.newLead,
	)
}

func (p *Pipeline) scheduleReply(ctx context.Context, message domain.InboundMessage, result outcome) {
	if p.settings == nil || p.replies == nil {
		return
	}
	settings, err := p.settings.GetAISettings(ctx, message.CustomerID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.logf("load ai settings failed customer_id=%s err=%v", message.CustomerID, err)
		}
		return
	}
	if !settings.Enabled {
		return
	}

	err = p.replies.ScheduleReply(ctx, domain.AIReplyPayload{
		CustomerID:     message.CustomerID,
		ConversationID: result.conversation.ID,
		MessageID:      result.message.ID,
		LeadPhone:      message.From,
		CustomerPhone:  message.To,
		Body:           message.Body,
	}, *settings)
	if err != nil {
		p.logf(
			"schedule ai reply failed customer_id=%s conversation_id=%s err=%v",
			message.CustomerID, result.conversation.ID, err,
		)
	}
}

func (p *Pipeline) notify(ctx context.Context, customerID string, notificationType domain.NotificationType, payload any) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, customerID, notificationType, payload); err != nil {
		p.logf("enqueue notification failed customer_id=%s type=%s err=%v", customerID, notificationType, err)
	}
}

func toResult(result outcome) domain.InboundResult {
	converted := domain.InboundResult{
		Success:        true,
		ConversationID: result.conversation.ID,
		MessageID:      result.message.ID,
		NewLead:        result.newLead,
		Duplicate:      result.duplicate,
	}
	if result.lead != nil {
		converted.LeadID = result.lead.ID
	}
	return converted
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
