package contextbuilder

import (
	"strings"
	"testing"

	"github.com/leadline/sms-backend/internal/domain"
)

func message(direction domain.Direction, content string) domain.Message {
	return domain.Message{Direction: direction, Content: content, Status: domain.MessageStatusReceived}
}

func TestBuildLabelsAndSkipsDrafts(t *testing.T) {
	draft := message(domain.DirectionOutbound, "unsent draft")
	draft.Status = domain.MessageStatusDraft

	result := Build(BuildInput{Messages: []domain.Message{
		message(domain.DirectionInbound, "Hej, har I tid i morgen?"),
		draft,
		message(domain.DirectionOutbound, "Ja, kl. 10 passer fint."),
	}})

	if len(result.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(result.Lines), result.Lines)
	}
	if !strings.HasPrefix(result.Lines[0], "Lead: ") || !strings.HasPrefix(result.Lines[1], "Business: ") {
		t.Fatalf("unexpected labels %v", result.Lines)
	}
	if strings.Contains(result.ContextText, "unsent draft") {
		t.Fatalf("expected drafts to be skipped")
	}
}

func TestBuildDropsOldestWhenOverBudget(t *testing.T) {
	messages := []domain.Message{
		message(domain.DirectionInbound, strings.Repeat("old ", 40)),
		message(domain.DirectionInbound, "middle"),
		message(domain.DirectionInbound, "newest"),
	}

	result := Build(BuildInput{Messages: messages, MaxInputTokens: 10})
	if result.Dropped != 1 {
		t.Fatalf("expected oldest message dropped, got dropped=%d lines=%v", result.Dropped, result.Lines)
	}
	if len(result.Lines) != 2 || result.Lines[1] != "Lead: newest" {
		t.Fatalf("expected newest messages in order, got %v", result.Lines)
	}
	if result.TokenCount > 10 {
		t.Fatalf("expected token budget respected, got %d", result.TokenCount)
	}
}

func TestBuildCollapsesRepeatedMessages(t *testing.T) {
	result := Build(BuildInput{Messages: []domain.Message{
		message(domain.DirectionInbound, "Hallo?"),
		message(domain.DirectionInbound, "hallo?"),
		message(domain.DirectionInbound, "Hallo?"),
	}})
	if len(result.Lines) != 1 {
		t.Fatalf("expected repeated messages collapsed, got %v", result.Lines)
	}
}
