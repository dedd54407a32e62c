package quality

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf16"
)

var ErrQualityRejected = errors.New("reply failed quality checks")

const (
	minReplyScore   = 0.50
	maxReplySegment = 3

	gsmSingle = 160
	gsmMulti  = 153
	ucsSingle = 70
	ucsMulti  = 67
)

type ReplyValidationInput struct {
	Draft       string
	LastInbound string
}

type ReplyValidationResult struct {
	Text      string
	Score     float64
	Segments  int
	Corrected bool
}

// ReplyValidator scores AI drafted SMS replies before they can be sent.
type ReplyValidator struct{}

func NewReplyValidator() *ReplyValidator {
	return &ReplyValidator{}
}

func (v *ReplyValidator) ValidateReply(input ReplyValidationInput) (ReplyValidationResult, error) {
	text := normalizeText(input.Draft)
	if text == "" {
		return ReplyValidationResult{}, fmt.Errorf("%w: empty reply", ErrQualityRejected)
	}
	if hasPlaceholder(text) {
		return ReplyValidationResult{}, fmt.Errorf("%w: reply contains a template placeholder", ErrQualityRejected)
	}

	corrected := false
	penalty := 0.0

	inbound := normalizeText(input.LastInbound)
	if inbound != "" && strings.EqualFold(text, inbound) {
		return ReplyValidationResult{}, fmt.Errorf("%w: reply repeats the lead's message", ErrQualityRejected)
	}

	if languageMismatch(text, inbound) {
		return ReplyValidationResult{}, fmt.Errorf("%w: reply language differs from the lead's", ErrQualityRejected)
	}

	if fitted, shortened := fitSegments(text, maxReplySegment); shortened {
		text = fitted
		corrected = true
		penalty += 0.08
	}
	if !hasTerminalPunctuation(text) && endsWithWord(text) && Segments(text+".") <= maxReplySegment {
		text += "."
		corrected = true
	}
	if len([]rune(text)) < 8 {
		penalty += 0.20
	}

	score := clamp01(1.0 - penalty)
	if score < minReplyScore {
		return ReplyValidationResult{}, fmt.Errorf("%w: low reply quality score %.2f", ErrQualityRejected, score)
	}

	return ReplyValidationResult{
		Text:      text,
		Score:     round2(score),
		Segments:  Segments(text),
		Corrected: corrected,
	}, nil
}

// Segments counts the SMS parts a carrier bills for text. Any character
// outside the GSM 03.38 alphabet switches the whole message to UCS-2.
func Segments(text string) int {
	if text == "" {
		return 0
	}
	length, unicode := 0, false
	for _, r := range text {
		switch {
		case strings.ContainsRune(gsmBasic, r):
			length++
		case strings.ContainsRune(gsmExtended, r):
			length += 2
		default:
			unicode = true
		}
	}

	single, multi := gsmSingle, gsmMulti
	if unicode {
		single, multi = ucsSingle, ucsMulti
		length = len(utf16.Encode([]rune(text)))
	}
	if length <= single {
		return 1
	}
	return int(math.Ceil(float64(length) / float64(multi)))
}

// fitSegments shortens text at word boundaries until it fits maxSegments.
func fitSegments(text string, maxSegments int) (string, bool) {
	shortened := false
	for Segments(text) > maxSegments {
		runes := len([]rune(text))
		text = truncateAtWord(text, runes-runes/10-1)
		shortened = true
	}
	return text, shortened
}

const (
	gsmBasic    = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	gsmExtended = "^{}\\[~]|€"
)

func hasPlaceholder(value string) bool {
	lowered := strings.ToLower(value)
	for _, marker := range []string{"{{", "}}", "[name]", "[navn]", "<insert", "[insert", "lorem ipsum"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.Join(strings.Fields(trimmed), " ")
}

func truncateAtWord(value string, maxRunes int) string {
	runes := []rune(value)
	if len(runes) <= maxRunes || maxRunes <= 0 {
		return value
	}
	cut := string(runes[:maxRunes])
	lastSpace := strings.LastIndex(cut, " ")
	if lastSpace > len(cut)/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

func hasTerminalPunctuation(value string) bool {
	if value == "" {
		return false
	}
	last := value[len(value)-1]
	return last == '.' || last == '!' || last == '?'
}

func endsWithWord(value string) bool {
	runes := []rune(value)
	last := runes[len(runes)-1]
	return (last >= 'a' && last <= 'z') || (last >= 'A' && last <= 'Z') || (last >= '0' && last <= '9') ||
		strings.ContainsRune("æøåÆØÅäöüÄÖÜéÉ", last)
}

// languageMismatch reports a Danish lead answered in English or the reverse.
func languageMismatch(reply, inbound string) bool {
	if inbound == "" {
		return false
	}
	replyLang := dominantLanguage(" " + strings.ToLower(reply) + " ")
	inboundLang := dominantLanguage(" " + strings.ToLower(inbound) + " ")
	return replyLang != "" && inboundLang != "" && replyLang != inboundLang
}

func dominantLanguage(value string) string {
	da := countMarkers(value, daMarkers)
	en := countMarkers(value, enMarkers)
	switch {
	case da > en+1:
		return "da"
	case en > da+1:
		return "en"
	default:
		return ""
	}
}

func countMarkers(value string, markers []string) int {
	count := 0
	for _, marker := range markers {
		if strings.Contains(value, marker) {
			count++
		}
	}
	return count
}

var daMarkers = []string{
	" jeg ",
	" du ",
	" vi ",
	" det ",
	" og ",
	" tak",
	" hej",
	" ikke ",
	" har ",
	" kan ",
}

var enMarkers = []string{
	" is ",
	" you ",
	" we ",
	" the ",
	" and ",
	" thanks",
	" hello",
	" not ",
	" have ",
	" can ",
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
