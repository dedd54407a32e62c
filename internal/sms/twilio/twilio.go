package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/sms"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	ProviderID     = "twilio"
	defaultCountry = "DK"
)

var _ sms.Provider = (*Provider)(nil)
var _ sms.WebhookAcknowledger = (*Provider)(nil)

type Config struct {
	AccountSID string
	AuthToken  string
	// BaseURL replaces scheme and host of every REST call, e.g. a local
	// stand-in for api.twilio.com. Empty talks to Twilio.
	BaseURL string
	// Country is used for number searches when the request carries no region.
	Country    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Provider struct {
	accountSID string
	authToken  string
	baseURL    *url.URL
	country    string
	timeout    time.Duration
	transport  http.RoundTripper
	validator  twilioclient.RequestValidator
}

func New(config Config) *Provider {
	if strings.TrimSpace(config.Country) == "" {
		config.Country = defaultCountry
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport
	if config.HTTPClient != nil && config.HTTPClient.Transport != nil {
		transport = config.HTTPClient.Transport
	}

	var baseURL *url.URL
	if raw := strings.TrimSpace(config.BaseURL); raw != "" {
		if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
			baseURL = parsed
		}
	}

	authToken := strings.TrimSpace(config.AuthToken)
	return &Provider{
		accountSID: strings.TrimSpace(config.AccountSID),
		authToken:  authToken,
		baseURL:    baseURL,
		country:    strings.ToUpper(strings.TrimSpace(config.Country)),
		timeout:    config.Timeout,
		transport:  transport,
		validator:  twilioclient.NewRequestValidator(authToken),
	}
}

// Factory builds a provider from account_sid, auth_token, base_url and country settings.
func Factory(settings sms.Settings) (sms.Provider, error) {
	provider := New(Config{
		AccountSID: settings["account_sid"],
		AuthToken:  settings["auth_token"],
		BaseURL:    settings["base_url"],
		Country:    settings["country"],
	})
	if provider.accountSID == "" || provider.authToken == "" {
		return nil, sms.ErrMissingCredentials
	}
	return provider, nil
}

func (p *Provider) ID() string {
	return ProviderID
}

// callTransport binds one SDK call to the caller's context, since the SDK
// builds requests without one.
type callTransport struct {
	ctx     context.Context
	baseURL *url.URL
	next    http.RoundTripper
}

func (t *callTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	outgoing := request.Clone(t.ctx)
	if t.baseURL != nil {
		outgoing.URL.Scheme = t.baseURL.Scheme
		outgoing.URL.Host = t.baseURL.Host
		outgoing.Host = t.baseURL.Host
	}
	return t.next.RoundTrip(outgoing)
}

func (p *Provider) service(ctx context.Context) *api.ApiService {
	client := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(p.accountSID, p.authToken),
		HTTPClient: &http.Client{
			Timeout:   p.timeout,
			Transport: &callTransport{ctx: ctx, baseURL: p.baseURL, next: p.transport},
		},
	}
	client.SetAccountSid(p.accountSID)
	return api.NewApiServiceWithClient(client)
}

func (p *Provider) Send(ctx context.Context, request sms.SendRequest) (sms.SendResult, error) {
	if p.accountSID == "" || p.authToken == "" {
		return sms.SendResult{}, sms.ErrMissingCredentials
	}
	if strings.TrimSpace(request.From) == "" {
		return sms.SendResult{Success: false, Error: "sender number is required"}, nil
	}
	if err := ctx.Err(); err != nil {
		return sms.SendResult{}, err
	}

	params := &api.CreateMessageParams{}
	params.SetTo(request.To)
	params.SetFrom(request.From)
	params.SetBody(request.Body)
	if request.StatusCallback != "" {
		params.SetStatusCallback(request.StatusCallback)
	}

	message, err := p.service(ctx).CreateMessage(params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sms.SendResult{}, ctxErr
		}
		return sms.SendResult{Success: false, Error: describe(err)}, nil
	}

	status := deref(message.Status)
	result := sms.SendResult{
		Success:           status != "failed" && status != "undelivered",
		ProviderMessageID: deref(message.Sid),
		Status:            status,
	}
	if failure := deref(message.ErrorMessage); failure != "" {
		result.Success = false
		result.Error = failure
	}
	return result, nil
}

func (p *Provider) HandleIncoming(ctx context.Context, webhook sms.RawWebhook, sink sms.InboundSink) (domain.InboundResult, error) {
	values, err := url.ParseQuery(string(webhook.Body))
	if err != nil {
		return domain.InboundResult{}, fmt.Errorf("%w: %v", sms.ErrInvalidWebhook, err)
	}

	message := domain.InboundMessage{
		From:              strings.TrimSpace(values.Get("From")),
		To:                strings.TrimSpace(values.Get("To")),
		Body:              values.Get("Body"),
		ProviderMessageID: firstNonEmpty(values.Get("MessageSid"), values.Get("SmsSid")),
	}
	if message.From == "" || message.To == "" {
		return domain.InboundResult{}, fmt.Errorf("%w: From and To are required", sms.ErrInvalidWebhook)
	}
	return sink(ctx, message)
}

// WebhookResponse answers with empty TwiML so Twilio sends no auto-reply.
func (p *Provider) WebhookResponse(domain.InboundResult) (string, []byte) {
	return "text/xml", []byte("<Response></Response>")
}

// ProvisionNumber buys the first available local number. RegionOrAreaCode is
// either an ISO country code or a numeric area code in the default country.
func (p *Provider) ProvisionNumber(ctx context.Context, request sms.ProvisionRequest) (sms.ProvisionResult, error) {
	if p.accountSID == "" || p.authToken == "" {
		return sms.ProvisionResult{}, sms.ErrMissingCredentials
	}
	if err := ctx.Err(); err != nil {
		return sms.ProvisionResult{}, err
	}

	country := p.country
	search := &api.ListAvailablePhoneNumberLocalParams{}
	search.SetSmsEnabled(true)
	search.SetLimit(1)
	region := strings.TrimSpace(request.RegionOrAreaCode)
	switch areaCode, err := strconv.Atoi(region); {
	case region == "":
	case err == nil && isDigits(region):
		search.SetAreaCode(areaCode)
	default:
		country = strings.ToUpper(region)
	}

	service := p.service(ctx)
	available, err := service.ListAvailablePhoneNumberLocal(country, search)
	if err != nil {
		return sms.ProvisionResult{}, fmt.Errorf("search numbers: %w", err)
	}
	if len(available) == 0 || deref(available[0].PhoneNumber) == "" {
		return sms.ProvisionResult{}, fmt.Errorf("twilio: no numbers available in %s", country)
	}

	purchase := &api.CreateIncomingPhoneNumberParams{}
	purchase.SetPhoneNumber(deref(available[0].PhoneNumber))
	purchased, err := service.CreateIncomingPhoneNumber(purchase)
	if err != nil {
		return sms.ProvisionResult{}, fmt.Errorf("purchase number: %w", err)
	}

	return sms.ProvisionResult{
		Supported:   true,
		PhoneNumber: deref(purchased.PhoneNumber),
		SID:         deref(purchased.Sid),
	}, nil
}

func (p *Provider) ReleaseNumber(ctx context.Context, request sms.ReleaseRequest) (sms.ReleaseResult, error) {
	if p.accountSID == "" || p.authToken == "" {
		return sms.ReleaseResult{}, sms.ErrMissingCredentials
	}
	if err := ctx.Err(); err != nil {
		return sms.ReleaseResult{}, err
	}

	lookup := &api.ListIncomingPhoneNumberParams{}
	lookup.SetPhoneNumber(request.PhoneNumber)
	lookup.SetLimit(1)
	service := p.service(ctx)
	owned, err := service.ListIncomingPhoneNumber(lookup)
	if err != nil {
		return sms.ReleaseResult{}, fmt.Errorf("lookup number: %w", err)
	}
	if len(owned) == 0 || deref(owned[0].Sid) == "" {
		return sms.ReleaseResult{Supported: true, Released: false}, nil
	}

	if err := service.DeleteIncomingPhoneNumber(deref(owned[0].Sid), &api.DeleteIncomingPhoneNumberParams{}); err != nil {
		return sms.ReleaseResult{}, fmt.Errorf("release number: %w", err)
	}
	return sms.ReleaseResult{Supported: true, Released: true}, nil
}

// VerifyWebhookSignature checks X-Twilio-Signature against the full webhook
// URL and the form parameters. It fails closed without an auth token.
func (p *Provider) VerifyWebhookSignature(_ context.Context, signature sms.WebhookSignature) (bool, error) {
	if p.authToken == "" {
		return false, sms.ErrMissingCredentials
	}
	if strings.TrimSpace(signature.Signature) == "" {
		return false, nil
	}
	values, err := url.ParseQuery(string(signature.Body))
	if err != nil {
		return false, nil
	}
	params := make(map[string]string, len(values))
	for key := range values {
		params[key] = values.Get(key)
	}
	return p.validator.Validate(signature.URL, params, signature.Signature), nil
}

// describe flattens SDK errors into the carrier code and message.
func describe(err error) string {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		message := restErr.Message
		if len(message) > 500 {
			message = message[:500]
		}
		return fmt.Sprintf("twilio http %d (code %d): %s", restErr.Status, restErr.Code, message)
	}
	return "twilio: " + err.Error()
}

func deref[T ~string](pointer *T) string {
	if pointer == nil {
		return ""
	}
	return string(*pointer)
}

func isDigits(value string) bool {
	for _, char := range value {
		if char < '0' || char > '9' {
			return false
		}
	}
	return value != ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
