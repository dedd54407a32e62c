package policy

import (
	"errors"
	"regexp"
	"strings"

	"github.com/leadline/sms-backend/internal/domain"
)

var ErrAutoSendNotAllowed = errors.New("automatic send is not allowed")

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

type ReviewDecision struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason,omitempty"`
}

// ReviewOutbound decides whether an AI draft can be sent directly or has to
// wait for staff. Content policy violations always require review.
func ReviewOutbound(settings domain.AISettings, draft string) ReviewDecision {
	if !settings.AutoSend {
		return ReviewDecision{Required: true, Reason: "auto send disabled"}
	}
	if err := CheckOutbound(draft); err != nil {
		return ReviewDecision{Required: true, Reason: err.Error()}
	}
	if linkPattern.MatchString(draft) {
		return ReviewDecision{Required: true, Reason: "draft contains a link"}
	}
	if phonePattern.MatchString(strings.TrimSpace(draft)) {
		return ReviewDecision{Required: true, Reason: "draft contains a phone number"}
	}
	return ReviewDecision{}
}

// EnsureAutoSend returns ErrAutoSendNotAllowed when the draft needs review.
func EnsureAutoSend(settings domain.AISettings, draft string) error {
	if decision := ReviewOutbound(settings, draft); decision.Required {
		return ErrAutoSendNotAllowed
	}
	return nil
}
