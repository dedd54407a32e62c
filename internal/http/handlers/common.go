package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/http/middleware"
	"github.com/leadline/sms-backend/internal/sms"
)

const (
	maxBodyBytes   = 1 << 20
	idempotencyTTL = 24 * time.Hour
)

var errInvalidPayload = errors.New("invalid payload")

// Gateway is the subset of sms.Gateway the HTTP surface drives.
type Gateway interface {
	QueueSMS(ctx context.Context, params sms.SendParams) (sms.QueueResult, error)
	HandleIncomingMessage(ctx context.Context, providerID string, webhook sms.RawWebhook) (domain.InboundResult, error)
	VerifyWebhookSignature(ctx context.Context, providerID string, signature sms.WebhookSignature) (bool, error)
	WebhookResponse(providerID string, result domain.InboundResult) (string, []byte)
	ProvisionNumber(ctx context.Context, params sms.ProvisionParams) (sms.ProvisionResult, error)
	ReleaseNumber(ctx context.Context, params sms.ReleaseParams) (sms.ReleaseResult, error)
}

type APIConfig struct {
	Gateway Gateway
	Logger  *log.Logger
	// WebhookBaseURL overrides scheme and host when rebuilding signed
	// webhook URLs.
	WebhookBaseURL string
	Checks         []HealthCheck
}

type API struct {
	gateway        Gateway
	logger         *log.Logger
	webhookBaseURL string
	checks         []HealthCheck
	idempotency    *idempotencyStore
}

func NewAPI(config APIConfig) *API {
	return &API{
		gateway:        config.Gateway,
		logger:         config.Logger,
		webhookBaseURL: strings.TrimSuffix(strings.TrimSpace(config.WebhookBaseURL), "/"),
		checks:         config.Checks,
		idempotency:    newIdempotencyStore(idempotencyTTL),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func validCustomerID(customerID string) bool {
	trimmed := strings.TrimSpace(customerID)
	return trimmed != "" && len(trimmed) <= 64
}

func (api *API) logf(format string, args ...any) {
	if api.logger != nil {
		api.logger.Printf(format, args...)
	}
}

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
}

type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
	now     func() time.Time
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
		now:     time.Now,
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && s.now().Sub(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

// Put also drops expired entries so the map stays bounded by traffic within ttl.
func (s *idempotencyStore) Put(key string, payloadHash uint64, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for existing, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, existing)
		}
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		JobID:       jobID,
		CreatedAt:   now.UTC(),
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
