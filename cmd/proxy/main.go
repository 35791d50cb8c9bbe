package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/auth"
	"github.com/abickford/relay_hook/internal/config"
	"github.com/abickford/relay_hook/internal/db"
	"github.com/abickford/relay_hook/internal/endpoint"
	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/executor"
	"github.com/abickford/relay_hook/internal/forward"
	"github.com/abickford/relay_hook/internal/health"
	"github.com/abickford/relay_hook/internal/logging"
	"github.com/abickford/relay_hook/internal/metrics"
	"github.com/abickford/relay_hook/internal/notify"
	"github.com/abickford/relay_hook/internal/tracing"
)

const serviceName = "relayhook-proxy"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	var pool *pgxpool.Pool
	var store eventstore.Store
	if cfg.Proxy.EventStore == "memory" {
		store = eventstore.NewMemoryStore()
		logger.Plain().Warn("Using in-memory event store, events will not survive a restart")
	} else {
		pool, err = db.Connect(ctx, cfg.DSN(), 0)
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to connect to database")
		}
		defer pool.Close()
		store = eventstore.NewPostgresStore(pool)
	}

	// The producer connects lazily on first publish, so creating it is
	// safe even when NSQ is down at boot.
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to create NSQ producer")
	}
	defer producer.Stop()
	notifier := notify.NewPublisher(pool, producer, cfg.NSQ.NotificationsTopic)

	agent := a2a.NewHTTPClient(a2a.WithTimeout(cfg.Proxy.SubmitTimeout))
	fwd := forward.NewClient(agent, cfg.Proxy.BlockingEventTimeout, cfg.Proxy.SubmitTimeout)
	resolver := endpoint.NewResolver(cfg.Proxy.DefaultTargetURL, cfg.Proxy.DefaultTargetName)
	exec := executor.New(resolver, fwd, store, notifier, cfg.Proxy.PublicBaseURL)

	srv := a2a.NewServer(proxyCard(cfg), &proxyHandler{exec: exec, store: store})

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(serviceName, pool, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.HTTPHandler())

	handler := http.Handler(mux)
	if cfg.Auth.Enabled {
		validator, err := buildValidator(cfg.Auth)
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to set up JWT validation")
		}
		handler = validator.HTTPMiddleware(mux)
		logger.Plain().Info("Bearer token auth enabled on the submission surface")
	}

	httpSrv := &http.Server{
		Addr:    cfg.Proxy.HTTPPort,
		Handler: handler,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("Proxy listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Plain().Info("Shutting down proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("HTTP server shutdown failed")
	}
	logger.Plain().Info("Proxy stopped")
}

// buildValidator prefers a key file on disk and falls back to fetching
// the signer's JWKS endpoint.
func buildValidator(a config.Auth) (*auth.JWTValidator, error) {
	if a.PublicKeyPath != "" {
		pemBytes, err := os.ReadFile(a.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		return auth.NewJWTValidator(string(pemBytes), a.Issuer, a.Audience)
	}
	if a.JWKSURL != "" {
		key, err := auth.FetchJWKS(a.JWKSURL)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, a.Issuer, a.Audience), nil
	}
	return nil, fmt.Errorf("auth enabled but neither AUTH_PUBLIC_KEY_PATH nor AUTH_JWKS_URL is set")
}

func proxyCard(cfg config.Config) a2a.AgentCard {
	return a2a.AgentCard{
		Name:        "Relay Hook",
		Description: "Forwarding proxy that relays tasks to remote agents and correlates their callbacks.",
		URL:         cfg.Proxy.CardURL,
		Version:     serviceVersion(),
		Capabilities: a2a.AgentCapabilities{
			Streaming:         true,
			PushNotifications: true,
		},
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
		Skills: []a2a.AgentSkill{
			{
				ID:          "relay",
				Name:        "Task relay",
				Description: "Forwards a task to the agent named in the message metadata and returns its result, live or via callback.",
				Tags:        []string{"proxy", "relay"},
			},
		},
	}
}

func serviceVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}
