package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/relay"
	"github.com/lexiqai/voice-relay/internal/resilience"
	"github.com/lexiqai/voice-relay/internal/transport"
	"github.com/lexiqai/voice-relay/internal/upstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.GeminiModel).
		Str("log_level", cfg.LogLevel).
		Int("fragment_queue_limit", cfg.FragmentQueueLimit).
		Str("fragment_queue_policy", cfg.FragmentQueuePolicy).
		Bool("stream_input", cfg.StreamInput).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Relay Service starting")

	connector, err := upstream.NewGeminiConnector(context.Background(), upstream.GeminiConfig{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.GeminiModel,
		Voice:          cfg.GeminiVoice,
		SystemPrompt:   cfg.SystemPrompt,
		ConnectTimeout: cfg.UpstreamConnectTimeoutDuration(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create upstream connector")
	}

	breaker := resilience.NewCircuitBreaker("gemini-live", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
	handler := relay.NewHandler(connector, relay.OptionsFromConfig(cfg, breaker), logger)

	// Create HTTP server
	mux := http.NewServeMux()

	// Relay WebSocket endpoint
	mux.Handle(transport.EndpointPath, handler)

	// Liveness text on /, JSON health on /health
	mux.HandleFunc("/", observability.LivenessHandler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: not ready while the upstream breaker is open
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"upstream": breaker.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. Upgraded connections are not
	// subject to them.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpointURL(cfg)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", handler.ActiveSessions()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hijacked websocket connections are not tracked by http.Server
	if err := handler.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not close in time")
	}

	logger.Info().Msg("Server exited gracefully")
}

// endpointURL is the websocket URL clients should dial
func endpointURL(cfg *config.Config) string {
	if cfg.PublicURL == "" {
		return fmt.Sprintf("ws://localhost:%s%s", cfg.Port, transport.EndpointPath)
	}

	base := strings.TrimRight(cfg.PublicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + transport.EndpointPath
}
