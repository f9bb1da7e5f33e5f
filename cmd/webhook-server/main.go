package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/config"
	"github.com/example/esp-gateway/internal/dispatch"
	"github.com/example/esp-gateway/internal/esp"
	"github.com/example/esp-gateway/internal/events"
	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/webhooks"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "webhook-server").Logger()

	dispatcher := dispatch.New(log)

	if cfg.Kafka.Enabled() {
		producer, err := events.NewProducer(cfg.Kafka.Brokers, log.With().Str("component", "kafka").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()

		publisher := events.NewPublisher(producer, cfg.Kafka.TrackingTopic, cfg.Kafka.InboundTopic, log)
		dispatcher.SubscribeTracking(publisher.PublishTracking)
		dispatcher.SubscribeInbound(publisher.PublishInbound)
		log.Info().Str("tracking_topic", cfg.Kafka.TrackingTopic).Msg("kafka event forwarding enabled")
	}

	receivers := esp.BuildReceivers(cfg, log)
	authenticator := webhooks.NewBasicAuthenticator(cfg.Webhooks.BasicAuthCredentials)
	handler, err := webhooks.NewHandler(receivers, authenticator, dispatcher, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise webhook handler")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/webhooks", handler.Routes())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Int("port", cfg.App.Port).Msg("webhook server started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("webhook server init failed")
}
