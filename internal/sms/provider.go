package sms

import (
	"context"
	"errors"
	"net/http"

	"github.com/leadline/sms-backend/internal/domain"
)

var (
	ErrProviderNotRegistered = errors.New("sms provider not registered")
	ErrNotSupported          = errors.New("operation not supported by sms provider")
	ErrMissingCredentials    = errors.New("sms provider credentials are missing")
	ErrInvalidWebhook        = errors.New("invalid sms webhook payload")
)

// Provider is the contract every carrier adapter implements.
type Provider interface {
	ID() string
	// Send reports carrier-side failures in SendResult. Errors are reserved
	// for configuration problems and cancelled contexts.
	Send(ctx context.Context, request SendRequest) (SendResult, error)
	// HandleIncoming normalizes a carrier webhook and passes each message to sink.
	HandleIncoming(ctx context.Context, webhook RawWebhook, sink InboundSink) (domain.InboundResult, error)
	ProvisionNumber(ctx context.Context, request ProvisionRequest) (ProvisionResult, error)
	ReleaseNumber(ctx context.Context, request ReleaseRequest) (ReleaseResult, error)
	// VerifyWebhookSignature returns true for carriers without a signature scheme.
	VerifyWebhookSignature(ctx context.Context, signature WebhookSignature) (bool, error)
}

// WebhookAcknowledger is implemented by providers that expect a specific
// response body on their webhook.
type WebhookAcknowledger interface {
	WebhookResponse(result domain.InboundResult) (contentType string, body []byte)
}

// InboundSink receives messages normalized by a provider.
type InboundSink func(ctx context.Context, message domain.InboundMessage) (domain.InboundResult, error)

type SendRequest struct {
	CustomerID     string
	To             string
	From           string
	Body           string
	StatusCallback string
}

type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Status            string `json:"status,omitempty"`
	Error             string `json:"error,omitempty"`
}

type RawWebhook struct {
	URL     string
	Headers http.Header
	Body    []byte
}

type ProvisionRequest struct {
	CustomerID       string
	RegionOrAreaCode string
}

type ProvisionResult struct {
	Supported   bool   `json:"supported"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	SID         string `json:"sid,omitempty"`
}

type ReleaseRequest struct {
	CustomerID  string
	PhoneNumber string
}

type ReleaseResult struct {
	Supported bool `json:"supported"`
	Released  bool `json:"released"`
}

type WebhookSignature struct {
	URL       string
	Body      []byte
	Signature string
}

// Settings configure a provider built from a factory.
type Settings map[string]string

// Factory builds a provider from settings loaded at runtime.
type Factory func(settings Settings) (Provider, error)
