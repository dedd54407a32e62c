package quality

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateReplyAcceptsAndPunctuates(t *testing.T) {
	validator := NewReplyValidator()

	result, err := validator.ValidateReply(ReplyValidationInput{
		Draft:       "  Hej, tak for din besked. Vi kan komme på fredag  ",
		LastInbound: "Hej, kan I komme på fredag? Jeg har tid hele dagen",
	})
	if err != nil {
		t.Fatalf("expected reply to validate: %v", err)
	}
	if result.Text != "Hej, tak for din besked. Vi kan komme på fredag." {
		t.Fatalf("unexpected normalized text %q", result.Text)
	}
	if !result.Corrected || result.Segments != 1 || result.Score != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestValidateReplyRejections(t *testing.T) {
	validator := NewReplyValidator()
	cases := map[string]ReplyValidationInput{
		"empty":       {Draft: "   "},
		"placeholder": {Draft: "Hej [Navn], tak for din besked."},
		"echo":        {Draft: "Kan I komme i dag?", LastInbound: "kan i komme i  dag?"},
		"language": {
			Draft:       "Thanks, we can have the team come and look at it.",
			LastInbound: "Hej, jeg har et problem med taget og vi kan ikke vente",
		},
	}
	for name, input := range cases {
		if _, err := validator.ValidateReply(input); !errors.Is(err, ErrQualityRejected) {
			t.Fatalf("%s: expected ErrQualityRejected, got %v", name, err)
		}
	}
}

func TestValidateReplyTrimsToThreeSegments(t *testing.T) {
	validator := NewReplyValidator()
	long := strings.Repeat("Vi vender tilbage hurtigst muligt ", 30)

	result, err := validator.ValidateReply(ReplyValidationInput{Draft: long})
	if err != nil {
		t.Fatalf("expected long reply to be shortened, got %v", err)
	}
	if result.Segments > 3 || !result.Corrected {
		t.Fatalf("expected at most 3 segments after correction, got %+v", result)
	}
	if result.Score >= 1 {
		t.Fatalf("expected a penalty for shortening, got %.2f", result.Score)
	}
}

func TestSegments(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: strings.Repeat("a", 160), want: 1},
		{text: strings.Repeat("a", 161), want: 2},
		{text: strings.Repeat("€", 80), want: 1},
		{text: strings.Repeat("€", 81), want: 2},
		{text: strings.Repeat("ø", 160), want: 1},
		{text: "Hej 👋", want: 1},
		{text: strings.Repeat("ł", 71), want: 2},
	}
	for _, tc := range cases {
		if got := Segments(tc.text); got != tc.want {
			t.Fatalf("Segments(%q) expected %d, got %d", tc.text, tc.want, got)
		}
	}
}
