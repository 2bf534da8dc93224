package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"coachapi/internal/api/v1/handler"
	"coachapi/internal/config"
	"coachapi/internal/middleware"
	"coachapi/internal/pubsub"
	"coachapi/internal/repository"
	"coachapi/internal/service"
	"coachapi/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// New wires storage, services and handlers. The returned cleanup releases the
// database pool and the Pub/Sub client.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	// 1. Open DB connection pool
	pool, err := repository.NewPool(ctx, cfg.DBConnectionString, cfg.IsDevelopment())
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	// 2. Initialize Pub/Sub publisher for account events, when configured
	var (
		events    service.AccountEventPublisher
		publisher *pubsub.PubSubPublisher
	)
	if cfg.PubSubAccountEventTopic != "" {
		var opts []option.ClientOption
		if cfg.GCPCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
		}
		publisher, err = pubsub.NewPublisher(ctx, cfg.GCPProjectID, opts...)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		events = pubsub.NewAccountEvents(publisher, cfg.PubSubAccountEventTopic)
	} else {
		logger.Warn().Msg("PUBSUB_ACCOUNT_EVENTS_TOPIC not set; account events are not published")
	}

	cleanup := func() {
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close Pub/Sub publisher")
			}
		}
		pool.Close()
	}

	return newHandler(cfg, pool, events, logger), cleanup, nil
}

func newHandler(cfg *config.Config, pool *pgxpool.Pool, events service.AccountEventPublisher, logger zerolog.Logger) http.Handler {
	// 3. Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// 4. Initialize repositories & services & handlers
	accountRepo := repository.NewAccountRepo(pool)
	linkRepo := repository.NewEmailLinkRepo(pool)
	usageRepo := repository.NewUsageRepo(pool)
	subjectRepo := repository.NewSubjectRepo(pool)
	threadRepo := repository.NewThreadRepo(pool)

	stripeSvc := service.NewStripeService(cfg, logger)
	var customers service.CustomerDirectory
	if cfg.StripeSecretKey != "" {
		customers = stripeSvc
	}

	identitySvc := service.NewIdentityService(accountRepo, linkRepo, customers, logger)
	usageSvc := service.NewUsageService(usageRepo, logger)
	subjectSvc := service.NewSubjectService(subjectRepo, logger)
	paymentSvc := service.NewPaymentService(cfg.StripeWebhookSecret, cfg.PriceTable(), accountRepo, linkRepo, stripeSvc, events, logger)
	accountSvc := service.NewAccountService(accountRepo, linkRepo, usageRepo, subjectRepo, threadRepo, usageSvc, events, logger)
	completer := service.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, time.Duration(cfg.ChatTimeoutSec)*time.Second)
	chatSvc := service.NewChatService(subjectSvc, usageSvc, threadRepo, completer, service.ChatOptions{
		SystemPrompt:    cfg.ChatSystemPrompt,
		MaxOutputTokens: cfg.ChatMaxOutputTokens,
		HistoryLimit:    cfg.ChatHistoryLimit,
	}, logger)

	transport := session.Transport{
		CookieName: cfg.SessionCookieName,
		HeaderName: cfg.SessionHeaderName,
		MaxAge:     cfg.SessionCookieMaxAge(),
		Secure:     !cfg.IsDevelopment(),
	}

	sessionHandler := handler.NewSessionHandler(transport, logger)
	accountHandler := handler.NewAccountHandler(accountSvc, transport, validate, logger)
	chatHandler := handler.NewChatHandler(chatSvc, validate, logger)
	subjectHandler := handler.NewSubjectHandler(subjectSvc, validate, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(stripeSvc, validate, logger)
	webhookHandler := handler.NewWebhookHandler(paymentSvc, logger)

	// 5. Initialize middleware
	authMw := middleware.OptionalAuth(cfg.AuthJWTSecret, cfg.AuthCookieName, logger)
	if cfg.AuthJWTSecret == "" {
		logger.Warn().Msg("AUTH_JWT_SECRET not set; all requests are anonymous")
	}
	openSession := chain(authMw, middleware.Session(identitySvc, transport, middleware.SessionOptions{AllowGenerate: true, AllowHeader: true}, logger))
	knownSession := chain(authMw, middleware.Session(identitySvc, transport, middleware.SessionOptions{AllowHeader: true}, logger))

	// 6. Create ServeMux router
	mux := http.NewServeMux()

	apiV1Mux := http.NewServeMux()
	sessionHandler.RegisterRoutes(apiV1Mux)
	accountHandler.RegisterRoutes(apiV1Mux, openSession, knownSession)
	chatHandler.RegisterRoutes(apiV1Mux, openSession)
	subjectHandler.RegisterRoutes(apiV1Mux, knownSession)
	subscriptionHandler.RegisterRoutes(apiV1Mux, openSession, knownSession)
	webhookHandler.RegisterRoutes(apiV1Mux)

	// Mount the API v1 routes under /v1
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			logger.Error().Err(err).Msg("Health check failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Redirect /api/* to /v1/* for backward compatibility
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/")
		http.Redirect(w, r, "/v1/"+rest, http.StatusPermanentRedirect)
	})

	// 7. Apply CORS middleware
	return middleware.LoggerMiddleware(logger)(corsHandler(cfg).Handler(mux))
}

func corsHandler(cfg *config.Config) *cors.Cors {
	origins := cfg.AllowedOrigins()
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", cfg.SessionHeaderName},
		// Session cookies cannot be sent to a wildcard origin.
		AllowCredentials: !(len(origins) == 1 && origins[0] == "*"),
	})
}

// chain applies middleware in order: the first wraps the outermost.
func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
