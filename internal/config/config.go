package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	AuthToken string
	// WebhookBaseURL is the public origin carriers call; it is used to
	// rebuild the signed URL behind proxies.
	WebhookBaseURL string

	DatabaseURL string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	LocalQueueCapacity int

	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIOrganization  string
	OpenAITimeoutMS     int
	OpenAIMaxRetries    int
	OpenAIModelPrimary  string
	OpenAIModelFallback string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	TrustProxy         bool

	SMSDefaultProvider string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioBaseURL    string
	TwilioCountry    string

	FonecloudAPIKey   string
	FonecloudBaseURL  string
	FonecloudSenderID string

	SMSConcurrency          int
	AIConcurrency           int
	NotificationConcurrency int

	MonitorSpec string
	ConfigFile  string

	WorkerEnabled bool
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:      getEnv("API_AUTH_TOKEN", ""),
		WebhookBaseURL: strings.TrimSuffix(getEnv("WEBHOOK_BASE_URL", ""), "/"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", ""),

		LocalQueueCapacity: getEnvInt("LOCAL_QUEUE_CAPACITY", 1024),

		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrganization:  getEnv("OPENAI_ORGANIZATION", ""),
		OpenAITimeoutMS:     getEnvInt("OPENAI_TIMEOUT_MS", 15000),
		OpenAIMaxRetries:    getEnvInt("OPENAI_MAX_RETRIES", 2),
		OpenAIModelPrimary:  getEnv("OPENAI_MODEL_REPLY_PRIMARY", "gpt-4.1-mini"),
		OpenAIModelFallback: getEnv("OPENAI_MODEL_REPLY_FALLBACK", "gpt-4.1-nano"),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),

		SMSDefaultProvider: getEnv("SMS_DEFAULT_PROVIDER", "twilio"),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioBaseURL:    getEnv("TWILIO_BASE_URL", ""),
		TwilioCountry:    getEnv("TWILIO_COUNTRY", "DK"),

		FonecloudAPIKey:   getEnv("FONECLOUD_API_KEY", ""),
		FonecloudBaseURL:  getEnv("FONECLOUD_BASE_URL", ""),
		FonecloudSenderID: getEnv("FONECLOUD_SENDER_ID", ""),

		SMSConcurrency:          getEnvInt("SMS_QUEUE_CONCURRENCY", 5),
		AIConcurrency:           getEnvInt("AI_QUEUE_CONCURRENCY", 2),
		NotificationConcurrency: getEnvInt("NOTIFICATION_QUEUE_CONCURRENCY", 3),

		MonitorSpec: getEnv("MONITOR_SPEC", "@every 1m"),
		ConfigFile:  getEnv("SMSD_CONFIG", ""),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
