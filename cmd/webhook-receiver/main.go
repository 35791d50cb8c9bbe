package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abickford/relay_hook/internal/config"
	"github.com/abickford/relay_hook/internal/db"
	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/health"
	"github.com/abickford/relay_hook/internal/logging"
	"github.com/abickford/relay_hook/internal/metrics"
	"github.com/abickford/relay_hook/internal/notify"
	"github.com/abickford/relay_hook/internal/receiver"
	"github.com/abickford/relay_hook/internal/tracing"
)

const serviceName = "relayhook-receiver"

// The receiver stays up independently of the proxy: callbacks for tasks
// accepted before a proxy restart still land and still get recorded.
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
		logger.Plain().Warn("Using in-memory event store, webhooks will not correlate across processes")
	} else {
		pool, err = db.Connect(ctx, cfg.DSN(), 0)
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to connect to database")
		}
		defer pool.Close()
		store = eventstore.NewPostgresStore(pool)
	}

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to create NSQ producer")
	}
	defer producer.Stop()
	notifier := notify.NewPublisher(pool, producer, cfg.NSQ.NotificationsTopic)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	receiver.NewHandler(store, notifier).Routes(mux)
	mux.HandleFunc("/healthz", health.HTTPHandler(serviceName, pool, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:    cfg.Receiver.HTTPPort,
		Handler: mux,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("Webhook receiver listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Plain().Info("Shutting down webhook receiver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("HTTP server shutdown failed")
	}
	logger.Plain().Info("Webhook receiver stopped")
}
