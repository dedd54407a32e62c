package fonecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/sms"
)

const (
	ProviderID     = "fonecloud"
	defaultBaseURL = "https://api.fonecloud.com/v1"
)

var _ sms.Provider = (*Provider)(nil)

type Config struct {
	APIKey     string
	BaseURL    string
	SenderID   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Provider talks to the Fonecloud JSON API. Fonecloud does not sign webhooks
// and has no number management API.
type Provider struct {
	apiKey     string
	baseURL    string
	senderID   string
	timeout    time.Duration
	httpClient *http.Client
}

func New(config Config) *Provider {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Provider{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		senderID:   strings.TrimSpace(config.SenderID),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

// Factory builds a provider from api_key, base_url and sender_id settings.
func Factory(settings sms.Settings) (sms.Provider, error) {
	provider := New(Config{
		APIKey:   settings["api_key"],
		BaseURL:  settings["base_url"],
		SenderID: settings["sender_id"],
	})
	if provider.apiKey == "" {
		return nil, sms.ErrMissingCredentials
	}
	return provider, nil
}

func (p *Provider) ID() string {
	return ProviderID
}

type sendRequest struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Text     string `json:"text"`
	Callback string `json:"callbackUrl,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (p *Provider) Send(ctx context.Context, request sms.SendRequest) (sms.SendResult, error) {
	if p.apiKey == "" {
		return sms.SendResult{}, sms.ErrMissingCredentials
	}

	from := strings.TrimSpace(request.From)
	if from == "" {
		from = p.senderID
	}
	payload, err := json.Marshal(sendRequest{
		To:       request.To,
		From:     from,
		Text:     request.Body,
		Callback: request.StatusCallback,
	})
	if err != nil {
		return sms.SendResult{}, fmt.Errorf("marshal fonecloud payload: %w", err)
	}

	var response sendResponse
	if err := p.call(ctx, http.MethodPost, "/messages", payload, &response); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sms.SendResult{}, ctxErr
		}
		return sms.SendResult{Success: false, Error: err.Error()}, nil
	}

	if response.Error != "" || strings.EqualFold(response.Status, "rejected") {
		return sms.SendResult{
			Success:           false,
			ProviderMessageID: response.ID,
			Status:            response.Status,
			Error:             firstNonEmpty(response.Error, "message rejected"),
		}, nil
	}
	return sms.SendResult{
		Success:           true,
		ProviderMessageID: response.ID,
		Status:            response.Status,
	}, nil
}

type inboundPayload struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// HandleIncoming accepts a single message object or a batch array.
func (p *Provider) HandleIncoming(ctx context.Context, webhook sms.RawWebhook, sink sms.InboundSink) (domain.InboundResult, error) {
	trimmed := bytes.TrimSpace(webhook.Body)
	if len(trimmed) == 0 {
		return domain.InboundResult{}, fmt.Errorf("%w: empty body", sms.ErrInvalidWebhook)
	}

	var batch []inboundPayload
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return domain.InboundResult{}, fmt.Errorf("%w: %v", sms.ErrInvalidWebhook, err)
		}
	} else {
		var single inboundPayload
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return domain.InboundResult{}, fmt.Errorf("%w: %v", sms.ErrInvalidWebhook, err)
		}
		batch = append(batch, single)
	}
	if len(batch) == 0 {
		return domain.InboundResult{}, fmt.Errorf("%w: no messages", sms.ErrInvalidWebhook)
	}

	var last domain.InboundResult
	for _, item := range batch {
		if strings.TrimSpace(item.From) == "" || strings.TrimSpace(item.To) == "" {
			return last, fmt.Errorf("%w: from and to are required", sms.ErrInvalidWebhook)
		}
		result, err := sink(ctx, domain.InboundMessage{
			From:              strings.TrimSpace(item.From),
			To:                strings.TrimSpace(item.To),
			Body:              item.Text,
			ProviderMessageID: item.ID,
		})
		if err != nil {
			return last, err
		}
		last = result
	}
	return last, nil
}

func (p *Provider) ProvisionNumber(context.Context, sms.ProvisionRequest) (sms.ProvisionResult, error) {
	return sms.ProvisionResult{Supported: false}, nil
}

func (p *Provider) ReleaseNumber(context.Context, sms.ReleaseRequest) (sms.ReleaseResult, error) {
	return sms.ReleaseResult{Supported: false}, nil
}

// VerifyWebhookSignature always succeeds: Fonecloud has no signature scheme.
// Restrict the webhook route by network instead.
func (p *Provider) VerifyWebhookSignature(context.Context, sms.WebhookSignature) (bool, error) {
	return true, nil
}

type httpError struct {
	StatusCode int
	Message    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("fonecloud http %d: %s", e.StatusCode, e.Message)
}

func (p *Provider) call(ctx context.Context, method, path string, payload []byte, out any) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create fonecloud request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := p.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("fonecloud timeout: %w", err)
		}
		return fmt.Errorf("fonecloud transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("read fonecloud body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > 500 {
			message = message[:500]
		}
		return &httpError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode fonecloud response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
