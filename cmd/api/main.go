package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/enrollfield/api/internal/di"
	"github.com/enrollfield/api/internal/handlers"
	"github.com/enrollfield/api/internal/ledger"
	"github.com/enrollfield/api/internal/payments"
	"github.com/enrollfield/api/internal/platform/auth"
	"github.com/enrollfield/api/internal/platform/config"
	pfirestore "github.com/enrollfield/api/internal/platform/firestore"
	"github.com/enrollfield/api/internal/platform/httpx"
	"github.com/enrollfield/api/internal/platform/idempotency"
	"github.com/enrollfield/api/internal/platform/jobs"
	"github.com/enrollfield/api/internal/platform/observability"
	"github.com/enrollfield/api/internal/platform/secrets"
	firestoreRepo "github.com/enrollfield/api/internal/repositories/firestore"
)

const (
	idempotencyCleanupInterval  = 10 * time.Minute
	idempotencyCleanupBatchSize = 250

	webhookRateLimit  = 30
	webhookRateWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	secretResolver, err := secrets.NewResolver(ctx, cfg.Firestore.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := secretResolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	stripeAPIKey, err := secretResolver.Resolve(ctx, cfg.Payments.StripeAPIKey)
	if err != nil {
		logger.Fatal("failed to resolve stripe api key", zap.Error(err))
	}
	stripeWebhookSecret, err := secretResolver.Resolve(ctx, cfg.Payments.StripeWebhookSecret)
	if err != nil {
		logger.Fatal("failed to resolve stripe webhook secret", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}
	intentLedger, err := ledger.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise payment intent ledger", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(idempotencyCleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), idempotencyCleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	gateway, err := buildPaymentManager(logger.Named("payments"), cfg, stripeAPIKey)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	eventTopic := pubsubClient.Topic(cfg.Events.Topic)
	defer eventTopic.Stop()

	eventPublisher, err := jobs.NewPubSubOrderEventPublisher(eventTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.Dependencies{
		Registry: registry,
		Gateway:  gateway,
		Ledger:   intentLedger,
		Events:   eventPublisher,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders)
	pricingHandlers := handlers.NewPricingHandlers(container.Services.Orders)
	adminHandlers := handlers.NewAdminOrderHandlers(container.Services.Orders)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(
		container.Services.Orders,
		handlers.WithWebhookRateLimit(webhookRateLimit, webhookRateWindow),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(startedAt)),
		handlers.WithReadinessProbe("firestore", firestoreProbe(firestoreClient)),
		handlers.WithReadinessProbe("pubsub", pubsubTopicProbe(eventTopic)),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
		auth.Middleware(),
		idempotencyMiddleware,
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPricingRoutes(pricingHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(orderHandlers.PaymentRoutes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}
	if mw := webhookSecretMiddleware(logger.Named("webhooks"), stripeWebhookSecret); mw != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(mw))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("enrollfield api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
}

// buildPaymentManager assembles the configured gateway providers. Stripe is
// used when an API key is present; the sandbox provider backs local and test
// environments behind its feature flag.
func buildPaymentManager(logger *zap.Logger, cfg config.Config, stripeAPIKey string) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)

	if key := strings.TrimSpace(stripeAPIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: func(_ context.Context, event string, fields map[string]any) {
				zFields := make([]zap.Field, 0, len(fields)+1)
				zFields = append(zFields, zap.String("event", event))
				for k, v := range fields {
					zFields = append(zFields, zap.Any(k, v))
				}
				logger.Debug("stripe log", zFields...)
			},
			Clock: time.Now,
		})
		if err != nil {
			return nil, err
		}
		providers["stripe"] = stripeProvider
	}
	if cfg.Features.EnableSandboxPay {
		providers["sandbox"] = payments.NewSandboxProvider(time.Now)
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment providers configured")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.Payments.DefaultProvider))
	if _, ok := providers[defaultProvider]; !ok {
		if _, ok := providers["sandbox"]; ok {
			logger.Warn("default payment provider unavailable; falling back to sandbox", zap.String("provider", defaultProvider))
			defaultProvider = "sandbox"
		}
	}

	return payments.NewManager(providers,
		payments.WithDefaultProvider(defaultProvider),
		payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes),
	)
}

// webhookSecretMiddleware rejects gateway callbacks that do not carry the
// shared webhook secret. A missing secret disables the check, which only makes
// sense against the sandbox provider.
func webhookSecretMiddleware(logger *zap.Logger, secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		logger.Warn("webhook secret not configured; callbacks are unauthenticated")
		return nil
	}
	expected := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := []byte(strings.TrimSpace(r.Header.Get("X-Webhook-Secret")))
			if subtle.ConstantTimeCompare(expected, presented) != 1 {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_signature", "webhook secret mismatch", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func firestoreProbe(client *firestore.Client) handlers.ReadinessProbe {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		defer cancel()
		iter := client.Collections(probeCtx)
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}

func pubsubTopicProbe(topic *pubsub.Topic) handlers.ReadinessProbe {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		defer cancel()
		exists, err := topic.Exists(probeCtx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func buildInfoFromEnv(started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}
