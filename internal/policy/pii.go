package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	cprPattern   = regexp.MustCompile(`\b\d{6}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

// MaskPhone keeps the country prefix and the last two digits: +45******78.
func MaskPhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return ""
	}
	digits := make([]rune, 0, len(trimmed))
	for _, char := range trimmed {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}

	prefix := ""
	keepHead := 0
	if strings.HasPrefix(trimmed, "+") {
		prefix = "+"
		keepHead = 2
	}
	head := string(digits[:keepHead])
	tail := string(digits[len(digits)-2:])
	return prefix + head + strings.Repeat("*", len(digits)-keepHead-2) + tail
}

func MaskPIIString(value string) string {
	masked := emailPattern.ReplaceAllStringFunc(value, func(_ string) string {
		return "[email_redacted]"
	})
	masked = cprPattern.ReplaceAllString(masked, "******-****")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = phonePattern.ReplaceAllStringFunc(masked, MaskPhone)
	return masked
}

// MaskPIIJSON masks string values in a JSON document. Values under
// identifier keys (id, conversationId, lead_id) are kept. Invalid JSON is
// masked as plain text.
func MaskPIIJSON(payload json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return append(json.RawMessage(nil), payload...)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return json.RawMessage(MaskPIIString(string(payload)))
	}

	encoded, err := json.Marshal(maskValue(decoded))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			if isIdentifierKey(key) {
				cloned[key] = child
				continue
			}
			cloned[key] = maskValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, maskValue(child))
		}
		return cloned
	case string:
		return MaskPIIString(typed)
	default:
		return value
	}
}

func isIdentifierKey(key string) bool {
	return key == "id" || key == "ID" || strings.HasSuffix(key, "Id") ||
		strings.HasSuffix(key, "ID") || strings.HasSuffix(key, "_id")
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}
