package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/nats-io/nats.go"

	"github.com/bluewave-labs/flagwise/internal/alert"
	"github.com/bluewave-labs/flagwise/internal/config"
	"github.com/bluewave-labs/flagwise/internal/consumer"
	"github.com/bluewave-labs/flagwise/internal/crypto"
	"github.com/bluewave-labs/flagwise/internal/detect"
	"github.com/bluewave-labs/flagwise/internal/dlq"
	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/messaging"
	"github.com/bluewave-labs/flagwise/internal/repository"
	"github.com/bluewave-labs/flagwise/internal/rules"
	"github.com/bluewave-labs/flagwise/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	connString := cfg.Database.Postgres.ConnString()

	// Run database migrations
	logger.Info("running database migrations")
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		log.Fatalf("initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("run migrations: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Field encryption. A missing key disables it but never blocks startup.
	masterKey, err := cfg.Encryption.DecodeMasterKey()
	if err != nil {
		log.Fatalf("decode master key: %v", err)
	}
	keyStore, err := crypto.NewFileKeyStore(cfg.Encryption.KeyDir)
	if err != nil {
		log.Fatalf("open key directory: %v", err)
	}
	cryptoSvc := crypto.NewService(masterKey, crypto.Options{
		Iterations: cfg.Encryption.KDFIterations,
		FailClosed: cfg.Encryption.FailClosed,
		Store:      keyStore,
	}, logger)

	store, err := connectStore(ctx, cfg, connString, cryptoSvc, logger)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer store.Close()

	conn, err := connectNats(cfg, logger)
	if err != nil {
		log.Fatalf("connect to NATS: %v", err)
	}
	defer conn.Close()

	js, err := messaging.NewJetStreamClient(conn)
	if err != nil {
		log.Fatalf("initialize JetStream: %v", err)
	}

	source, dlqQueue, err := provision(ctx, js, cfg, logger)
	if err != nil {
		log.Fatalf("provision streams: %v", err)
	}

	cache := rules.NewCache(store, cfg.Rules.RefreshInterval, logger)
	if err := cache.ForceRefresh(ctx); err != nil {
		// The cache serves an empty snapshot until the store recovers;
		// events flow through unflagged rather than piling up.
		logger.Warn("initial rule load failed, starting with no rules", "error", err)
	} else {
		logger.Info("detection rules loaded", "active", cache.Len())
	}
	engine := detect.NewEngine(cache, logger)

	dispatcher, limiter := buildAlerting(cfg, store, logger)
	if limiter != nil {
		defer limiter.Close()
	}

	// A nil *Dispatcher must not become a non-nil Alerter interface.
	var alerter consumer.Alerter
	if dispatcher != nil {
		alerter = dispatcher
	}
	c := consumer.New(source, engine, store, alerter, dlqQueue, cfg.Consumer, logger)

	handler := server.NewHandler(store, js, c, engine, cache, cryptoSvc, dlqQueue, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ops server error: %v", err)
		}
	}()

	runErr := c.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("consumer exited", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}
	if err := js.Drain(); err != nil {
		logger.Error("nats drain failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// connectStore retries the initial database connection; the database and the
// consumer usually start together and the database is slower.
func connectStore(ctx context.Context, cfg *config.Config, connString string, cryptoSvc *crypto.Service, logger *logging.Logger) (*repository.PostgresStore, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.Consumer.StartupRetries; attempt++ {
		store, err := repository.NewPostgresStore(ctx, connString, cryptoSvc, logger)
		if err == nil {
			return store, nil
		}
		lastErr = err
		logger.Warn("database not ready, retrying",
			"attempt", attempt, "max_attempts", cfg.Consumer.StartupRetries, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.Consumer.StartupBackoff):
		}
	}
	return nil, lastErr
}

func connectNats(cfg *config.Config, logger *logging.Logger) (*nats.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.Consumer.StartupRetries; attempt++ {
		conn, err := messaging.Connect(messaging.DefaultConfig(cfg.Nats.URL))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("event log not ready, retrying",
			"attempt", attempt, "max_attempts", cfg.Consumer.StartupRetries, "error", err)
		time.Sleep(cfg.Consumer.StartupBackoff)
	}
	return nil, lastErr
}

// provision creates (or updates) the traffic stream, its durable consumer
// and the dead-letter stream, and returns the pull source and DLQ writer.
func provision(ctx context.Context, js *messaging.JetStreamClient, cfg *config.Config, logger *logging.Logger) (*messaging.PullSource, *dlq.Queue, error) {
	if _, err := js.CreateOrUpdateStream(ctx, messaging.TrafficStreamConfig(cfg.Nats.Stream, cfg.Nats.Subject)); err != nil {
		return nil, nil, fmt.Errorf("create traffic stream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, messaging.DLQStreamConfig(cfg.Nats.DLQStream, cfg.Nats.DLQSubject)); err != nil {
		return nil, nil, fmt.Errorf("create dead-letter stream: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Nats.Stream, messaging.ConsumerConfig{
		Name:          cfg.Nats.ConsumerName,
		FilterSubject: cfg.Nats.Subject,
		AckWait:       cfg.Consumer.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: cfg.Consumer.MaxPollRecords * 2,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create durable consumer: %w", err)
	}

	logger.Info("event log ready",
		"stream", cfg.Nats.Stream, "consumer", cfg.Nats.ConsumerName, "subject", cfg.Nats.Subject)

	dlqPrefix := strings.TrimSuffix(cfg.Nats.DLQSubject, ".>")
	return messaging.NewPullSource(cons), dlq.NewQueue(js, dlqPrefix, logger), nil
}

// buildAlerting assembles the dispatcher from config. No webhook URL means
// alerting stays off; Redis switches the rate limiter to the shared window.
func buildAlerting(cfg *config.Config, store *repository.PostgresStore, logger *logging.Logger) (*alert.Dispatcher, alert.Limiter) {
	if cfg.Alerting.WebhookURL == "" {
		logger.Warn("alert webhook URL not configured - alerts disabled")
		return nil, nil
	}

	var channels []alert.Channel
	switch cfg.Alerting.Channel {
	case "webhook":
		channels = append(channels, alert.NewWebhookChannel(cfg.Alerting.WebhookURL, cfg.Alerting.SendTimeout))
	default:
		channels = append(channels, alert.NewSlackChannel(
			cfg.Alerting.WebhookURL,
			cfg.Alerting.SendTimeout,
			cfg.Alerting.PreviewLength,
			cfg.Alerting.DashboardURL,
		))
	}

	var limiter alert.Limiter
	if cfg.Redis.Enabled {
		var err error
		limiter, err = alert.NewRedisLimiter(cfg.Redis.URL, cfg.Alerting.RateLimit, cfg.Alerting.RateWindow)
		if err != nil {
			logger.Warn("redis limiter unavailable, using in-process window", "error", err)
			limiter = alert.NewSlidingWindow(cfg.Alerting.RateLimit, cfg.Alerting.RateWindow)
		}
	} else {
		limiter = alert.NewSlidingWindow(cfg.Alerting.RateLimit, cfg.Alerting.RateWindow)
	}

	logger.Info("alerting configured",
		"channel", channels[0].Type(),
		"min_risk_score", cfg.Alerting.MinRiskScore,
		"rate_limit", cfg.Alerting.RateLimit,
		"rate_window", cfg.Alerting.RateWindow,
	)
	return alert.NewDispatcher(channels, limiter, store, cfg.Alerting.MinRiskScore, logger), limiter
}
