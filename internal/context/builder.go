package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/leadline/sms-backend/internal/domain"
)

const defaultMaxInputTokens = 1600

type BuildInput struct {
	Messages       []domain.Message
	MaxInputTokens int
	// LeadLabel and BusinessLabel prefix transcript lines.
	LeadLabel     string
	BusinessLabel string
}

type BuildOutput struct {
	ContextText string
	Lines       []string
	TokenCount  int
	Dropped     int
}

// Build renders a conversation transcript for a model prompt. Messages are
// expected oldest first; when the budget is exceeded the oldest are dropped.
// Drafts never left the system and are skipped.
func Build(input BuildInput) BuildOutput {
	input = normalizeBuildInput(input)

	candidates := make([]string, 0, len(input.Messages))
	for _, message := range input.Messages {
		if message.Status == domain.MessageStatusDraft {
			continue
		}
		text := strings.Join(strings.Fields(message.Content), " ")
		if text == "" {
			continue
		}
		label := input.BusinessLabel
		if message.Direction == domain.DirectionInbound {
			label = input.LeadLabel
		}
		candidates = append(candidates, fmt.Sprintf("%s: %s", label, text))
	}
	candidates = dedupeConsecutive(candidates)

	selected := make([]string, 0, len(candidates))
	totalTokens := 0
	for index := len(candidates) - 1; index >= 0; index-- {
		estimated := estimateTokens(candidates[index])
		if totalTokens+estimated > input.MaxInputTokens {
			break
		}
		selected = append(selected, candidates[index])
		totalTokens += estimated
	}
	for left, right := 0, len(selected)-1; left < right; left, right = left+1, right-1 {
		selected[left], selected[right] = selected[right], selected[left]
	}

	return BuildOutput{
		ContextText: strings.Join(selected, "\n"),
		Lines:       selected,
		TokenCount:  totalTokens,
		Dropped:     len(candidates) - len(selected),
	}
}

func normalizeBuildInput(input BuildInput) BuildInput {
	if input.MaxInputTokens <= 0 {
		input.MaxInputTokens = defaultMaxInputTokens
	}
	if strings.TrimSpace(input.LeadLabel) == "" {
		input.LeadLabel = "Lead"
	}
	if strings.TrimSpace(input.BusinessLabel) == "" {
		input.BusinessLabel = "Business"
	}
	return input
}

func dedupeConsecutive(lines []string) []string {
	if len(lines) <= 1 {
		return lines
	}
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(result) > 0 && strings.EqualFold(result[len(result)-1], line) {
			continue
		}
		result = append(result, line)
	}
	return result
}

// estimateTokens approximates tokens as one per four bytes.
func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return (len(trimmed) + 3) / 4
}
