package httpserver

import (
	"log"
	"net/http"

	"github.com/leadline/sms-backend/internal/http/handlers"
	"github.com/leadline/sms-backend/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxy keys rate limits on X-Forwarded-For.
	TrustProxy bool
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/webhooks/sms/", deps.API.Webhook)
	mux.HandleFunc("/v1/sms", deps.API.SendSMS)
	mux.HandleFunc("/v1/numbers/provision", deps.API.ProvisionNumber)
	mux.HandleFunc("/v1/numbers/release", deps.API.ReleaseNumber)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(middleware.RateLimitConfig{
		RPS:            deps.RateLimitRPS,
		Burst:          deps.RateLimitBurst,
		TrustProxy:     deps.TrustProxy,
		ExemptPrefixes: []string{"/webhooks/"},
	})(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
		PathPrefixes:   []string{"/v1/"},
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
