package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shineum/mailfan/internal/config"
	"github.com/shineum/mailfan/internal/dispatch"
	"github.com/shineum/mailfan/internal/intake"
	"github.com/shineum/mailfan/internal/metrics"
	mailtls "github.com/shineum/mailfan/internal/tls"
)

func newServeCmd(configPath *string) *cobra.Command {
	var metricsAddr string

	c := &cobra.Command{
		Use:   "serve",
		Short: "Accept messages over SMTP and deliver one copy per envelope recipient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogger(cmd.ErrOrStderr(), cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, metricsAddr, cmd.OutOrStdout())
		},
	}

	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return c
}

// runServe runs the submission listener until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, metricsAddr string, out io.Writer) error {
	prov, err := selectProvider(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer closeProvider(prov)

	tlsConfig, err := mailtls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	m := metrics.New(prometheus.NewRegistry())
	if metricsAddr != "" {
		serveMetrics(ctx, metricsAddr, m)
	}

	server := intake.New(intake.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Hostname:   cfg.SMTP.Hostname,
		Fanout: &dispatch.Dispatcher{
			Provider:    prov,
			Concurrency: cfg.Dispatch.Concurrency,
			Metrics:     m,
			Logger:      slog.Default(),
		},
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting mailfan intake",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("mailfan intake stopped")
	return nil
}

// serveMetrics exposes m on addr at /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	slog.Info("serving metrics", "addr", addr)
}
