package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/compiler-explorer/ce-router/core/controlplane/router"
	"github.com/compiler-explorer/ce-router/core/correlator"
	"github.com/compiler-explorer/ce-router/core/eventbus"
	"github.com/compiler-explorer/ce-router/core/forwarder"
	"github.com/compiler-explorer/ce-router/core/infra/buildinfo"
	"github.com/compiler-explorer/ce-router/core/infra/config"
	"github.com/compiler-explorer/ce-router/core/infra/logging"
	"github.com/compiler-explorer/ce-router/core/infra/metrics"
	"github.com/compiler-explorer/ce-router/core/objectstore"
	"github.com/compiler-explorer/ce-router/core/queue"
	"github.com/compiler-explorer/ce-router/core/routing"
)

func main() {
	buildinfo.Log("ce-router")
	cfg := config.Load()
	if err := run(cfg); err != nil {
		logging.Error("ce-router", "fatal startup error", "error", err)
		os.Exit(1)
	}
}

// busHandler adapts a Correlator to the eventbus.Handler interface; the
// event-bus client itself has no notion of request context, so delivered
// frames are dispatched with a background context. The Correlator and the
// Client it publishes through are mutually dependent at construction time,
// so corr is filled in once both exist.
type busHandler struct {
	corr *correlator.Correlator
}

func (h *busHandler) OnMessage(msg map[string]any) {
	if h.corr == nil {
		return
	}
	h.corr.OnBusMessage(context.Background(), msg)
}

func run(cfg *config.Config) error {
	m := metrics.NewProm("ce_router")

	routingStore, err := routing.NewRedisStore(cfg.RedisAddr, cfg.RoutingTable)
	if err != nil {
		return err
	}
	defer routingStore.Close()
	if err := routing.LoadAndSeed(context.Background(), routingStore, cfg.RoutingSeedFile); err != nil {
		return err
	}
	resolver := routing.New(routingStore, routing.Config{
		QueueURLBlue:  cfg.QueueURLBlue,
		QueueURLGreen: cfg.QueueURLGreen,
	})

	objStore, err := objectstore.NewMinIOStore(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return err
	}

	kafkaPublisher, err := queue.NewKafkaPublisher(queue.KafkaConfig{Brokers: cfg.KafkaBrokers})
	if err != nil {
		return err
	}
	defer kafkaPublisher.Close()
	submitter := queue.New(kafkaPublisher, objStore, m, cfg.QueueMaxMsgSize, cfg.OverflowBucket, cfg.OverflowPrefix)

	handler := &busHandler{}
	busClient := eventbus.New(eventbus.Config{URL: cfg.EventBusURL}, handler, m)
	corr := correlator.New(busClient, objStore, m, cfg.ResultsBucket, cfg.ResultsPrefix)
	handler.corr = corr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	busClient.Run(ctx)

	fwd := forwarder.New(forwarder.Config{})

	srv := router.New(router.Deps{
		Resolver:       resolver,
		Submitter:      submitter,
		Correlator:     corr,
		Forwarder:      fwd,
		Metrics:        m,
		Environment:    cfg.Environment,
		TimeoutSeconds: cfg.TimeoutSeconds,
		BusConnected:   func() bool { return busClient.State() == eventbus.StateOpen },
	})

	httpServer := &http.Server{
		Addr:              addr(cfg.Port),
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:         addr(cfg.MetricsPort),
		Handler:      metricsHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Info("ce-router", "metrics listening", "addr", metricsServer.Addr+"/metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logging.Info("ce-router", "http listening", "addr", httpServer.Addr, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("ce-router", "shutdown signal received")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var shutdownErr error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	busClient.Close()
	logging.Info("ce-router", "shutdown complete")
	return shutdownErr
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}
