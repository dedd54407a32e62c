package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/leadline/sms-backend/internal/domain"
)

func TestMaskPhoneKeepsPrefixAndTail(t *testing.T) {
	if got := MaskPhone("+4512345678"); got != "+45******78" {
		t.Fatalf("expected +45******78, got %s", got)
	}
	if got := MaskPhone("12345678"); got != "******78" {
		t.Fatalf("expected ******78, got %s", got)
	}
	if got := MaskPhone("123"); got != "***" {
		t.Fatalf("expected short numbers fully masked, got %s", got)
	}
}

func TestMaskPIIJSONMasksCommonPatterns(t *testing.T) {
	payload := json.RawMessage(`{"email":"user@example.com","leadPhone":"+4512345678","note":"cpr 010190-1234"}`)
	raw := string(MaskPIIJSON(payload))

	if strings.Contains(raw, "user@example.com") {
		t.Fatalf("expected email to be masked, got %s", raw)
	}
	if strings.Contains(raw, "12345678") {
		t.Fatalf("expected phone to be masked, got %s", raw)
	}
	if strings.Contains(raw, "010190-1234") {
		t.Fatalf("expected cpr to be masked, got %s", raw)
	}
}

func TestCheckOutboundBlocksForbiddenTerm(t *testing.T) {
	err := CheckOutbound("Send mig dit MitID kodeord, tak")
	if !errors.Is(err, ErrContentPolicyViolation) {
		t.Fatalf("expected content policy violation, got %v", err)
	}
}

func TestCheckOutboundRejectsEmptyAndOversized(t *testing.T) {
	if err := CheckOutbound("   "); err == nil {
		t.Fatalf("expected empty body to be rejected")
	}
	if err := CheckOutbound(strings.Repeat("a", MaxOutboundLength+1)); err == nil {
		t.Fatalf("expected oversized body to be rejected")
	}
	if err := CheckOutbound("Hej, tak for din besked. Vi ringer i morgen."); err != nil {
		t.Fatalf("expected plain reply to pass, got %v", err)
	}
}

func TestReviewOutbound(t *testing.T) {
	auto := domain.AISettings{AutoSend: true}

	if decision := ReviewOutbound(domain.AISettings{}, "Hej"); !decision.Required {
		t.Fatalf("expected review when auto send is disabled")
	}
	if decision := ReviewOutbound(auto, "Se mere på https://example.com"); !decision.Required {
		t.Fatalf("expected review for drafts with links")
	}
	if decision := ReviewOutbound(auto, "Hej, vi vender tilbage i dag."); decision.Required {
		t.Fatalf("expected plain draft to pass, got %+v", decision)
	}
	if err := EnsureAutoSend(auto, "phishing"); !errors.Is(err, ErrAutoSendNotAllowed) {
		t.Fatalf("expected ErrAutoSendNotAllowed, got %v", err)
	}
}

func TestMaskPIIJSONKeepsIdentifiers(t *testing.T) {
	payload := json.RawMessage(`{"conversationId":"550e8400-e29b-41d4-a716-446655440000","from":"+4512345678"}`)
	raw := string(MaskPIIJSON(payload))
	if !strings.Contains(raw, "550e8400-e29b-41d4-a716-446655440000") {
		t.Fatalf("expected identifier to be kept, got %s", raw)
	}
	if strings.Contains(raw, "4512345678") {
		t.Fatalf("expected phone to be masked, got %s", raw)
	}
}
