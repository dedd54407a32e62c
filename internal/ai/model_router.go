package ai

import "strings"

type TaskKind string

const (
	TaskReply TaskKind = "reply"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

type ModelRouterConfig struct {
	ReplyPrimary  string
	ReplyFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.ReplyPrimary) == "" {
		config.ReplyPrimary = "gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ReplyFallback) == "" {
		config.ReplyFallback = "gpt-4.1-nano"
	}
	return &ModelRouter{config: config}
}

// Select returns the profile for task. A non-empty override replaces the
// primary model; the configured fallback stays.
func (r *ModelRouter) Select(task TaskKind, override string) ModelProfile {
	profile := ModelProfile{
		PrimaryModel:    r.config.ReplyPrimary,
		FallbackModel:   r.config.ReplyFallback,
		Temperature:     0.4,
		MaxOutputTokens: 300,
	}
	if task != TaskReply {
		profile.Temperature = 0.2
	}
	if model := strings.TrimSpace(override); model != "" {
		profile.PrimaryModel = model
	}
	if profile.FallbackModel == profile.PrimaryModel {
		profile.FallbackModel = ""
	}
	return profile
}
