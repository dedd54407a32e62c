package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/leadline/sms-backend/internal/sms"
)

const webhookPathPrefix = "/webhooks/sms/"

var signatureHeaders = []string{"X-Twilio-Signature", "X-Signature"}

// Webhook receives inbound messages at /webhooks/sms/{provider}.
func (api *API) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	providerID := strings.ToLower(strings.Trim(strings.TrimPrefix(r.URL.Path, webhookPathPrefix), "/"))
	if providerID == "" || strings.Contains(providerID, "/") {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown webhook")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	url := api.webhookURL(r)
	valid, err := api.gateway.VerifyWebhookSignature(r.Context(), providerID, sms.WebhookSignature{
		URL:       url,
		Body:      body,
		Signature: signatureFrom(r.Header),
	})
	if err != nil {
		if errors.Is(err, sms.ErrProviderNotRegistered) {
			writeError(w, r, http.StatusNotFound, "unknown_provider", "unknown sms provider")
			return
		}
		api.logf("webhook verification failed provider=%s err=%v", providerID, err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to verify webhook")
		return
	}
	if !valid {
		api.logf("webhook rejected provider=%s reason=invalid_signature", providerID)
		writeError(w, r, http.StatusForbidden, "invalid_signature", "webhook signature mismatch")
		return
	}

	result, err := api.gateway.HandleIncomingMessage(r.Context(), providerID, sms.RawWebhook{
		URL:     url,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	if err != nil {
		api.logf("webhook processing failed provider=%s err=%v", providerID, err)
		switch {
		case errors.Is(err, sms.ErrProviderNotRegistered):
			writeError(w, r, http.StatusNotFound, "unknown_provider", "unknown sms provider")
		case errors.Is(err, sms.ErrInvalidWebhook):
			writeError(w, r, http.StatusBadRequest, "invalid_webhook", "webhook payload rejected")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to process webhook")
		}
		return
	}

	contentType, ack := api.gateway.WebhookResponse(providerID, result)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ack)
}

// webhookURL rebuilds the URL the carrier signed.
func (api *API) webhookURL(r *http.Request) string {
	if api.webhookBaseURL != "" {
		return api.webhookBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		scheme = strings.ToLower(strings.Split(forwarded, ",")[0])
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func signatureFrom(header http.Header) string {
	for _, name := range signatureHeaders {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}
