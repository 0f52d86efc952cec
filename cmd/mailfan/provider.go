package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/mailfan/internal/config"
	"github.com/shineum/mailfan/internal/provider"
	"github.com/shineum/mailfan/internal/provider/graph"
	"github.com/shineum/mailfan/internal/provider/imap"
	"github.com/shineum/mailfan/internal/provider/mbox"
	"github.com/shineum/mailfan/internal/provider/ses"
	"github.com/shineum/mailfan/internal/provider/smtprelay"
	"github.com/shineum/mailfan/internal/provider/stdout"
	mailtls "github.com/shineum/mailfan/internal/tls"
)

// selectProvider chooses the email delivery backend based on configuration.
// If PROVIDER is set, it takes precedence. Otherwise the first configured
// backend wins (Graph, then SES, then the SMTP relay), falling back to
// stdout. IMAP and mbox are only used when selected explicitly. The stdout
// provider writes to out. Callers close the result with closeProvider.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg)

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		return newGraph(cfg), nil

	case "relay", "smtp":
		if !cfg.RelayConfigured() {
			return nil, errors.New("SMTP relay provider selected but RELAY_HOST is required")
		}
		return newRelay(cfg)

	case "imap":
		if !cfg.IMAPConfigured() {
			return nil, errors.New("IMAP provider selected but IMAP_HOST is required")
		}
		return newIMAP(cfg)

	case "mbox":
		if !cfg.MboxConfigured() {
			return nil, errors.New("mbox provider selected but MBOX_PATH is required")
		}
		return newMbox(cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil

	case "":
		if cfg.GraphConfigured() {
			return newGraph(cfg), nil
		}
		if cfg.SESConfigured() {
			return newSES(ctx, cfg)
		}
		if cfg.RelayConfigured() {
			return newRelay(cfg)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	return p, nil
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider",
		"sender", cfg.Graph.Sender,
	)
	return graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
}

func newRelay(cfg *config.Config) (provider.Provider, error) {
	tlsConfig, err := mailtls.ClientConfig(cfg.Relay.Host, cfg.Relay.CAFile, cfg.Relay.InsecureSkipVerify)
	if err != nil {
		return nil, fmt.Errorf("failed to setup relay TLS: %w", err)
	}

	p, err := smtprelay.New(smtprelay.Config{
		Host:      cfg.Relay.Host,
		Port:      cfg.Relay.Port,
		Username:  cfg.Relay.Username,
		Password:  cfg.Relay.Password,
		TLSMode:   cfg.Relay.TLSMode,
		TLSConfig: tlsConfig,
		Sender:    cfg.Relay.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP relay provider: %w", err)
	}

	slog.Info("using SMTP relay provider",
		"host", cfg.Relay.Host,
		"tls_mode", cfg.Relay.TLSMode,
		"auth_enabled", cfg.RelayAuthEnabled(),
	)
	return p, nil
}

func newIMAP(cfg *config.Config) (provider.Provider, error) {
	var tlsConfig *tls.Config
	if cfg.IMAP.UseTLS {
		var err error
		tlsConfig, err = mailtls.ClientConfig(cfg.IMAP.Host, "", cfg.IMAP.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to setup IMAP TLS: %w", err)
		}
	}

	p, err := imap.New(imap.Config{
		Host:      cfg.IMAP.Host,
		Port:      cfg.IMAP.Port,
		Username:  cfg.IMAP.Username,
		Password:  cfg.IMAP.Password,
		UseTLS:    cfg.IMAP.UseTLS,
		TLSConfig: tlsConfig,
		Mailbox:   cfg.IMAP.Mailbox,
		Sender:    cfg.IMAP.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create IMAP provider: %w", err)
	}

	slog.Info("using IMAP append provider",
		"host", cfg.IMAP.Host,
		"mailbox", cfg.IMAP.Mailbox,
		"tls", cfg.IMAP.UseTLS,
	)
	return p, nil
}

func newMbox(cfg *config.Config) (provider.Provider, error) {
	p, err := mbox.New(cfg.Mbox.Path, cfg.Mbox.Sender)
	if err != nil {
		return nil, fmt.Errorf("failed to create mbox provider: %w", err)
	}
	slog.Info("using mbox provider", "path", cfg.Mbox.Path)
	return p, nil
}

// closeProvider releases providers that hold a connection or file.
func closeProvider(p provider.Provider) {
	c, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("failed to close provider", "provider", p.Name(), "error", err)
	}
}
