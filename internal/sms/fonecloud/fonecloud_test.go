package fonecloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/sms"
)

func TestSendUsesBearerTokenAndSenderFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.From != "Leadline" || body.To != "+4512345678" || body.Text != "Hej" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"id":"fc-1","status":"accepted"}`))
	}))
	defer server.Close()

	provider := New(Config{APIKey: "key-1", BaseURL: server.URL, SenderID: "Leadline"})
	result, err := provider.Send(context.Background(), sms.SendRequest{To: "+4512345678", Body: "Hej"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !result.Success || result.ProviderMessageID != "fc-1" || result.Status != "accepted" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSendServerErrorBecomesFailedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	provider := New(Config{APIKey: "key-1", BaseURL: server.URL})
	result, err := provider.Send(context.Background(), sms.SendRequest{To: "+45", From: "+45", Body: "Hej"})
	if err != nil {
		t.Fatalf("expected failure in result, got %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("expected failed result, got %+v", result)
	}
}

func TestHandleIncomingAcceptsSingleAndBatch(t *testing.T) {
	provider := New(Config{APIKey: "key-1"})
	var received []domain.InboundMessage
	sink := func(_ context.Context, message domain.InboundMessage) (domain.InboundResult, error) {
		received = append(received, message)
		return domain.InboundResult{Success: true, MessageID: message.ProviderMessageID}, nil
	}

	single := []byte(`{"id":"in-1","from":"+4512345678","to":"+4598765432","text":"Hej"}`)
	result, err := provider.HandleIncoming(context.Background(), sms.RawWebhook{Body: single}, sink)
	if err != nil || result.MessageID != "in-1" {
		t.Fatalf("expected single message handled, got %+v err=%v", result, err)
	}

	batch := []byte(`[{"id":"in-2","from":"+45","to":"+46","text":"a"},{"id":"in-3","from":"+45","to":"+46","text":"b"}]`)
	result, err = provider.HandleIncoming(context.Background(), sms.RawWebhook{Body: batch}, sink)
	if err != nil || result.MessageID != "in-3" {
		t.Fatalf("expected batch handled with last result, got %+v err=%v", result, err)
	}
	if len(received) != 3 || received[0].Body != "Hej" || received[0].To != "+4598765432" {
		t.Fatalf("unexpected normalized messages %+v", received)
	}

	if _, err := provider.HandleIncoming(context.Background(), sms.RawWebhook{Body: []byte(`{"text":"x"}`)}, sink); !errors.Is(err, sms.ErrInvalidWebhook) {
		t.Fatalf("expected ErrInvalidWebhook, got %v", err)
	}
}

func TestNumberManagementNotSupportedAndUnsignedWebhooks(t *testing.T) {
	provider := New(Config{APIKey: "key-1"})
	ctx := context.Background()

	provisioned, err := provider.ProvisionNumber(ctx, sms.ProvisionRequest{CustomerID: "c1"})
	if err != nil || provisioned.Supported {
		t.Fatalf("expected unsupported provision, got %+v err=%v", provisioned, err)
	}
	released, err := provider.ReleaseNumber(ctx, sms.ReleaseRequest{CustomerID: "c1"})
	if err != nil || released.Supported {
		t.Fatalf("expected unsupported release, got %+v err=%v", released, err)
	}
	if ok, err := provider.VerifyWebhookSignature(ctx, sms.WebhookSignature{}); err != nil || !ok {
		t.Fatalf("expected unsigned webhook to pass, got ok=%t err=%v", ok, err)
	}
	if _, err := Factory(sms.Settings{}); !errors.Is(err, sms.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}
