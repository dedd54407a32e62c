package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/policy"
	"github.com/leadline/sms-backend/internal/queue"
	"github.com/leadline/sms-backend/internal/repository"
	"github.com/leadline/sms-backend/internal/worker"
)

const DefaultProviderID = "twilio"

// CustomerDirectory resolves customers for provider routing.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	FindCustomerByNumber(ctx context.Context, phoneNumber string) (*domain.Customer, error)
}

type GatewayConfig struct {
	Registry        *Registry
	Customers       CustomerDirectory
	Queue           queue.Producer
	Inbound         InboundSink
	DefaultProvider string
	Logger          *log.Logger
}

// Gateway routes messaging operations to the provider configured per customer.
type Gateway struct {
	registry        *Registry
	customers       CustomerDirectory
	queue           queue.Producer
	inbound         InboundSink
	defaultProvider string
	logger          *log.Logger
}

type SendParams struct {
	CustomerID     string `json:"customerId"`
	To             string `json:"to"`
	Body           string `json:"body"`
	From           string `json:"from,omitempty"`
	StatusCallback string `json:"statusCallback,omitempty"`
}

type QueueResult struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"job_id"`
}

type ProvisionParams struct {
	CustomerID       string `json:"customerId"`
	RegionOrAreaCode string `json:"regionOrAreaCode"`
}

type ReleaseParams struct {
	CustomerID  string `json:"customerId"`
	PhoneNumber string `json:"phoneNumber"`
}

func NewGateway(config GatewayConfig) *Gateway {
	defaultProvider := normalizeID(config.DefaultProvider)
	if defaultProvider == "" {
		defaultProvider = DefaultProviderID
	}
	registry := config.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Gateway{
		registry:        registry,
		customers:       config.Customers,
		queue:           config.Queue,
		inbound:         config.Inbound,
		defaultProvider: defaultProvider,
		logger:          config.Logger,
	}
}

// SetInbound replaces the sink that receives normalized inbound messages.
func (g *Gateway) SetInbound(sink InboundSink) {
	g.inbound = sink
}

// resolve picks the customer's provider, or the default when the customer is
// unknown or has none configured. An id that is not registered is an error.
func (g *Gateway) resolve(ctx context.Context, customerID string) (Provider, *domain.Customer, error) {
	providerID := g.defaultProvider
	var customer *domain.Customer

	if g.customers != nil && strings.TrimSpace(customerID) != "" {
		found, err := g.customers.GetCustomer(ctx, customerID)
		switch {
		case err == nil:
			customer = found
			if configured := normalizeID(found.SMSProvider); configured != "" {
				providerID = configured
			}
		case errors.Is(err, repository.ErrNotFound):
		default:
			return nil, nil, fmt.Errorf("resolve customer %s: %w", customerID, err)
		}
	}

	provider, err := g.registry.Get(providerID)
	if err != nil {
		return nil, customer, err
	}
	return provider, customer, nil
}

func (g *Gateway) Send(ctx context.Context, params SendParams) (SendResult, error) {
	if strings.TrimSpace(params.To) == "" {
		return SendResult{}, fmt.Errorf("sms: recipient is required")
	}
	if strings.TrimSpace(params.Body) == "" {
		return SendResult{}, fmt.Errorf("sms: body is required")
	}

	provider, customer, err := g.resolve(ctx, params.CustomerID)
	if err != nil {
		return SendResult{}, err
	}

	from := strings.TrimSpace(params.From)
	if from == "" && customer != nil {
		from = customer.PhoneNumber
	}

	started := time.Now()
	result, err := provider.Send(ctx, SendRequest{
		CustomerID:     params.CustomerID,
		To:             params.To,
		From:           from,
		Body:           params.Body,
		StatusCallback: params.StatusCallback,
	})
	if err != nil {
		g.logf(
			"sms send error provider=%s customer_id=%s to=%s err=%v",
			provider.ID(), params.CustomerID, policy.MaskPhone(params.To), err,
		)
		return SendResult{}, err
	}

	g.logf(
		"sms send provider=%s customer_id=%s to=%s success=%t status=%s provider_message_id=%s duration_ms=%d",
		provider.ID(),
		params.CustomerID,
		policy.MaskPhone(params.To),
		result.Success,
		result.Status,
		result.ProviderMessageID,
		time.Since(started).Milliseconds(),
	)
	return result, nil
}

// QueueSMS enqueues an sms_send job and returns without waiting for delivery.
func (g *Gateway) QueueSMS(ctx context.Context, params SendParams) (QueueResult, error) {
	if g.queue == nil {
		return QueueResult{}, fmt.Errorf("sms: queue is not configured")
	}
	if strings.TrimSpace(params.To) == "" || strings.TrimSpace(params.Body) == "" {
		return QueueResult{}, fmt.Errorf("sms: recipient and body are required")
	}

	payload, err := json.Marshal(domain.SMSSendPayload{
		CustomerID: params.CustomerID,
		To:         params.To,
		Body:       params.Body,
		Options: domain.SMSOptions{
			From:           params.From,
			StatusCallback: params.StatusCallback,
		},
	})
	if err != nil {
		return QueueResult{}, fmt.Errorf("encode sms payload: %w", err)
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Kind:       domain.JobKindSMSSend,
		CustomerID: params.CustomerID,
		Payload:    payload,
	}
	if err := g.queue.Enqueue(ctx, domain.QueueSMS, job); err != nil {
		return QueueResult{}, fmt.Errorf("enqueue sms: %w", err)
	}
	return QueueResult{Queued: true, JobID: job.ID}, nil
}

// HandleSendJob is the sms_queue handler.
func (g *Gateway) HandleSendJob(ctx context.Context, job domain.Job) (worker.Result, error) {
	var payload domain.SMSSendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return worker.Result{}, fmt.Errorf("decode sms payload: %w", err)
	}
	if payload.CustomerID == "" {
		payload.CustomerID = job.CustomerID
	}

	result, err := g.Send(ctx, SendParams{
		CustomerID:     payload.CustomerID,
		To:             payload.To,
		Body:           payload.Body,
		From:           payload.Options.From,
		StatusCallback: payload.Options.StatusCallback,
	})
	if err != nil {
		return worker.Result{}, err
	}
	if !result.Success {
		return worker.Result{}, fmt.Errorf("sms delivery failed: %s", result.Error)
	}
	return worker.Result{Success: true, Detail: result.ProviderMessageID}, nil
}

// HandleIncomingMessage hands a raw webhook to providerID for normalization
// and feeds the result to the inbound sink.
func (g *Gateway) HandleIncomingMessage(ctx context.Context, providerID string, webhook RawWebhook) (domain.InboundResult, error) {
	provider, err := g.registry.Get(providerID)
	if err != nil {
		return domain.InboundResult{}, err
	}
	if g.inbound == nil {
		return domain.InboundResult{}, fmt.Errorf("sms: inbound pipeline is not configured")
	}

	sink := func(ctx context.Context, message domain.InboundMessage) (domain.InboundResult, error) {
		if message.CustomerID == "" {
			customerID, err := g.customerByNumber(ctx, message.To)
			if err != nil {
				return domain.InboundResult{}, err
			}
			message.CustomerID = customerID
		}
		g.logf(
			"sms inbound provider=%s customer_id=%s from=%s provider_message_id=%s",
			provider.ID(), message.CustomerID, policy.MaskPhone(message.From), message.ProviderMessageID,
		)
		return g.inbound(ctx, message)
	}

	return provider.HandleIncoming(ctx, webhook, sink)
}

func (g *Gateway) customerByNumber(ctx context.Context, number string) (string, error) {
	if g.customers == nil {
		return "", fmt.Errorf("%w: no customer for receiving number", ErrInvalidWebhook)
	}
	customer, err := g.customers.FindCustomerByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: no customer owns %s", ErrInvalidWebhook, policy.MaskPhone(number))
		}
		return "", fmt.Errorf("resolve receiving number: %w", err)
	}
	return customer.ID, nil
}

// WebhookResponse returns the body a provider expects in answer to its webhook.
func (g *Gateway) WebhookResponse(providerID string, result domain.InboundResult) (string, []byte) {
	if provider, err := g.registry.Get(providerID); err == nil {
		if acknowledger, ok := provider.(WebhookAcknowledger); ok {
			return acknowledger.WebhookResponse(result)
		}
	}
	body, _ := json.Marshal(result)
	return "application/json", body
}

func (g *Gateway) ProvisionNumber(ctx context.Context, params ProvisionParams) (ProvisionResult, error) {
	provider, _, err := g.resolve(ctx, params.CustomerID)
	if err != nil {
		return ProvisionResult{}, err
	}
	result, err := provider.ProvisionNumber(ctx, ProvisionRequest{
		CustomerID:       params.CustomerID,
		RegionOrAreaCode: params.RegionOrAreaCode,
	})
	if err != nil {
		return ProvisionResult{}, err
	}
	g.logf(
		"sms provision provider=%s customer_id=%s supported=%t number=%s",
		provider.ID(), params.CustomerID, result.Supported, policy.MaskPhone(result.PhoneNumber),
	)
	return result, nil
}

func (g *Gateway) ReleaseNumber(ctx context.Context, params ReleaseParams) (ReleaseResult, error) {
	provider, _, err := g.resolve(ctx, params.CustomerID)
	if err != nil {
		return ReleaseResult{}, err
	}
	result, err := provider.ReleaseNumber(ctx, ReleaseRequest{
		CustomerID:  params.CustomerID,
		PhoneNumber: params.PhoneNumber,
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	g.logf(
		"sms release provider=%s customer_id=%s supported=%t released=%t",
		provider.ID(), params.CustomerID, result.Supported, result.Released,
	)
	return result, nil
}

// VerifyWebhookSignature must be called before a webhook body is trusted.
func (g *Gateway) VerifyWebhookSignature(ctx context.Context, providerID string, signature WebhookSignature) (bool, error) {
	provider, err := g.registry.Get(providerID)
	if err != nil {
		return false, err
	}
	valid, err := provider.VerifyWebhookSignature(ctx, signature)
	if err != nil {
		return false, err
	}
	if valid && strings.TrimSpace(signature.Signature) == "" {
		g.logf("sms webhook accepted without signature provider=%s insecure=true", provider.ID())
	}
	return valid, nil
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
