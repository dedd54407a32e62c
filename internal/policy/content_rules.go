package policy

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxOutboundLength is the longest body a carrier will accept as one
// concatenated message (10 segments).
const MaxOutboundLength = 1600

var ErrContentPolicyViolation = errors.New("content policy violation")

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Evaluation struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrContentPolicyViolation.Error()
	}
	return "content policy violation: " + e.Violations[0].Message
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrContentPolicyViolation
}

// CheckOutbound rejects SMS bodies that must not leave the system unreviewed.
func CheckOutbound(body string) error {
	evaluation := EvaluateOutbound(body)
	if evaluation.Allowed {
		return nil
	}
	return &PolicyViolationError{Violations: evaluation.Violations}
}

func EvaluateOutbound(body string) Evaluation {
	trimmed := strings.TrimSpace(body)
	violations := make([]Violation, 0, 2)

	if trimmed == "" {
		violations = append(violations, Violation{
			Code:    "empty_body",
			Message: "message body is empty",
		})
	}
	if utf8.RuneCountInString(trimmed) > MaxOutboundLength {
		violations = append(violations, Violation{
			Code:    "body_too_long",
			Message: "message body exceeds carrier length limit",
		})
	}

	content := strings.ToLower(trimmed)
	for _, token := range blockedKeywords {
		if strings.Contains(content, token) {
			violations = append(violations, Violation{
				Code:    "blocked_term",
				Message: "message contains a term blocked by policy",
			})
			break
		}
	}

	if len(violations) == 0 {
		return Evaluation{Allowed: true}
	}
	return Evaluation{Allowed: false, Violations: violations}
}

var blockedKeywords = []string{
	"phishing",
	"malware",
	"bitcoin",
	"wire transfer",
	"gift card",
	"password",
	"adgangskode",
	"kodeord",
	"nemid",
	"mitid",
	"cpr-nummer",
	"svindel",
}
