package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/leadline/sms-backend/internal/ai"
	"github.com/leadline/sms-backend/internal/config"
	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/http/handlers"
	"github.com/leadline/sms-backend/internal/inbound"
	"github.com/leadline/sms-backend/internal/notify"
	"github.com/leadline/sms-backend/internal/queue"
	"github.com/leadline/sms-backend/internal/repository"
	"github.com/leadline/sms-backend/internal/sms"
	"github.com/leadline/sms-backend/internal/sms/fonecloud"
	"github.com/leadline/sms-backend/internal/sms/twilio"
	"github.com/leadline/sms-backend/internal/worker"
	"github.com/redis/go-redis/v9"
)

// app holds the wiring shared by every subcommand.
type app struct {
	cfg    config.Config
	file   config.File
	logger *log.Logger

	store   repository.Store
	backend queue.Backend
	inspect queue.Inspector
	events  queue.EventPublisher
	redis   *redis.Client
	markers ai.Markers
	checks  []handlers.HealthCheck

	registry *sms.Registry
	gateway  *sms.Gateway
	pipeline *inbound.Pipeline

	closers []func()
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "[smsd] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
}

func newApp(ctx context.Context, logger *log.Logger) (*app, error) {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, file: file, logger: logger}
	a.setupStore(ctx)
	a.setupQueue(ctx)

	if err := a.setupProviders(); err != nil {
		a.close()
		return nil, err
	}

	defaultProvider := cfg.SMSDefaultProvider
	if file.DefaultProvider != "" {
		defaultProvider = file.DefaultProvider
	}
	a.gateway = sms.NewGateway(sms.GatewayConfig{
		Registry:        a.registry,
		Customers:       a.store,
		Queue:           a.backend,
		DefaultProvider: defaultProvider,
		Logger:          logger,
	})

	a.pipeline = inbound.NewPipeline(inbound.PipelineConfig{
		Store:    a.store,
		Settings: a.store,
		Replies:  ai.NewReplyScheduler(a.backend, a.markers, logger),
		Notifier: notify.NewEnqueuer(a.backend),
		Logger:   logger,
	})
	a.gateway.SetInbound(func(ctx context.Context, message domain.InboundMessage) (domain.InboundResult, error) {
		return a.pipeline.Process(ctx, message, inbound.Options{})
	})

	logger.Printf("sms providers registered ids=%v default=%s", a.registry.IDs(), defaultProvider)
	return a, nil
}

func (a *app) setupStore(ctx context.Context) {
	if a.cfg.DatabaseURL == "" {
		a.logger.Printf("DATABASE_URL not configured, using in-memory store")
		a.store = repository.NewMemoryStore()
		return
	}

	pgStore, err := repository.NewPostgresStore(ctx, a.cfg.DatabaseURL)
	if err != nil {
		a.logger.Printf("failed to initialize postgres store, fallback to memory: %v", err)
		a.store = repository.NewMemoryStore()
		return
	}
	a.logger.Printf("postgres store initialized")
	a.store = pgStore
	a.checks = append(a.checks, handlers.HealthCheck{Name: "postgres", Check: pgStore.Ping})
	a.closers = append(a.closers, pgStore.Close)
}

func (a *app) setupQueue(ctx context.Context) {
	useLocal := func() {
		local := queue.NewLocalQueue(a.cfg.LocalQueueCapacity, a.logger)
		a.backend = local
		a.inspect = local
		a.events = queue.NewLocalPublisher()
		a.markers = ai.NewMemoryMarkers(0)
		a.closers = append(a.closers, local.Close)
	}

	if a.cfg.RedisAddr == "" {
		a.logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		useLocal()
		return
	}

	redisQueue, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:      a.cfg.RedisAddr,
		Password:  a.cfg.RedisPassword,
		DB:        a.cfg.RedisDB,
		KeyPrefix: a.cfg.RedisKeyPrefix,
	})
	if err != nil {
		a.logger.Printf("failed to initialize redis queue, fallback to local: %v", err)
		useLocal()
		return
	}
	a.logger.Printf("redis queue initialized addr=%s", a.cfg.RedisAddr)
	a.backend = redisQueue
	a.inspect = redisQueue
	a.events = redisQueue
	a.redis = redisQueue.Client()
	a.markers = ai.NewRedisMarkers(a.redis, "")
	a.checks = append(a.checks, handlers.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
		return a.redis.Ping(ctx).Err()
	}})
	a.closers = append(a.closers, func() { _ = redisQueue.Close() })
}

// setupProviders builds every adapter that has credentials, from the
// environment and the providers section of the config file. File settings
// win key by key.
func (a *app) setupProviders() error {
	a.registry = sms.NewRegistry()
	if err := a.registry.RegisterFactory(twilio.ProviderID, twilio.Factory); err != nil {
		return err
	}
	if err := a.registry.RegisterFactory(fonecloud.ProviderID, fonecloud.Factory); err != nil {
		return err
	}

	settings := providerSettings(a.cfg, a.file)
	ids := make([]string, 0, len(settings))
	for id := range settings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := a.registry.Build(id, settings[id]); err != nil {
			return fmt.Errorf("configure sms provider %s: %w", id, err)
		}
	}
	return nil
}

func providerSettings(cfg config.Config, file config.File) map[string]sms.Settings {
	settings := make(map[string]sms.Settings)
	if cfg.TwilioAccountSID != "" || cfg.TwilioAuthToken != "" {
		settings[twilio.ProviderID] = sms.Settings{
			"account_sid": cfg.TwilioAccountSID,
			"auth_token":  cfg.TwilioAuthToken,
			"base_url":    cfg.TwilioBaseURL,
			"country":     cfg.TwilioCountry,
		}
	}
	if cfg.FonecloudAPIKey != "" {
		settings[fonecloud.ProviderID] = sms.Settings{
			"api_key":   cfg.FonecloudAPIKey,
			"base_url":  cfg.FonecloudBaseURL,
			"sender_id": cfg.FonecloudSenderID,
		}
	}

	for _, provider := range file.Providers {
		merged := settings[provider.ID]
		if merged == nil {
			merged = sms.Settings{}
		}
		for key, value := range provider.Settings {
			merged[key] = value
		}
		settings[provider.ID] = merged
	}
	return settings
}

// newScheduler registers the three queue handlers.
func (a *app) newScheduler() (*worker.Scheduler, error) {
	generator := ai.NewOpenAIClient(ai.OpenAIClientConfig{
		APIKey:       a.cfg.OpenAIAPIKey,
		BaseURL:      a.cfg.OpenAIBaseURL,
		Organization: a.cfg.OpenAIOrganization,
		Timeout:      time.Duration(a.cfg.OpenAITimeoutMS) * time.Millisecond,
		MaxRetries:   a.cfg.OpenAIMaxRetries,
	})
	if !generator.Available() {
		a.logger.Printf("OPENAI_API_KEY not configured, ai replies will fail until it is set")
	}
	router := ai.NewModelRouter(ai.ModelRouterConfig{
		ReplyPrimary:  a.cfg.OpenAIModelPrimary,
		ReplyFallback: a.cfg.OpenAIModelFallback,
	})
	replies := ai.NewReplyHandler(ai.ReplyHandlerConfig{
		Store:   a.store,
		Markers: a.markers,
		Drafter: ai.NewGeneratorDrafter(generator, router, a.logger),
		Sender:  a.gateway,
		Logger:  a.logger,
	})
	notifications := notify.NewDispatcher(a.events, a.logger)

	scheduler := worker.NewScheduler(a.backend, a.events, a.logger)
	queues := []worker.QueueConfig{
		a.queueConfig(domain.QueueSMS, a.cfg.SMSConcurrency, a.gateway.HandleSendJob),
		a.queueConfig(domain.QueueAI, a.cfg.AIConcurrency, replies.Handle),
		a.queueConfig(domain.QueueNotification, a.cfg.NotificationConcurrency, notifications.Handle),
	}
	for _, queueConfig := range queues {
		if err := scheduler.Register(queueConfig); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func (a *app) queueConfig(name string, concurrency int, handler worker.Handler) worker.QueueConfig {
	return mergeQueueFile(worker.QueueConfig{
		Name:        name,
		Concurrency: concurrency,
		Handler:     handler,
	}, a.file.Queues[name])
}

func mergeQueueFile(base worker.QueueConfig, file config.QueueFile) worker.QueueConfig {
	if file.Concurrency > 0 {
		base.Concurrency = file.Concurrency
	}
	if file.PollInterval > 0 {
		base.PollInterval = file.PollInterval.Std()
	}
	if file.DequeueTimeout > 0 {
		base.DequeueTimeout = file.DequeueTimeout.Std()
	}
	base.Retry = worker.RetryPolicy{
		MaxAttempts: file.Retry.MaxAttempts,
		Backoff:     file.Retry.Backoff.Std(),
		DeadLetter:  file.Retry.DeadLetter,
	}
	return base
}

func (a *app) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
	a.closers = nil
}
