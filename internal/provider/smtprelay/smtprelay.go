// Package smtprelay implements a Provider that hands messages to an
// upstream SMTP server.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/shineum/mailfan/internal/compose"
	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/provider/retry"
)

// TLS modes for the upstream connection.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// defaultTimeout bounds a single SMTP conversation when the context has no
// deadline.
const defaultTimeout = 60 * time.Second

// Config holds the configuration for creating a relay Provider.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSMode is one of TLSNone, TLSStartTLS or TLSImplicit.
	// Defaults to TLSStartTLS.
	TLSMode string

	// TLSConfig is used for STARTTLS and implicit TLS. If nil, a default
	// configuration for Host is used.
	TLSConfig *tls.Config

	// Sender is the envelope sender and the From address for messages
	// that carry none.
	Sender string

	// HelloName is sent in EHLO. Defaults to "localhost".
	HelloName string
}

// Provider relays each message to the configured SMTP server.
type Provider struct {
	cfg        Config
	addr       string
	retryDelay time.Duration
}

// New creates a relay Provider. It returns an error for an unknown TLS mode
// or a missing host.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp relay host is required")
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSStartTLS
	}
	if cfg.HelloName == "" {
		cfg.HelloName = "localhost"
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}

	if cfg.Port == 0 {
		switch cfg.TLSMode {
		case TLSImplicit:
			cfg.Port = 465
		case TLSStartTLS:
			cfg.Port = 587
		default:
			cfg.Port = 25
		}
	}

	switch cfg.TLSMode {
	case TLSNone, TLSStartTLS, TLSImplicit:
	default:
		return nil, fmt.Errorf("unknown smtp relay TLS mode %q", cfg.TLSMode)
	}

	return &Provider{
		cfg:        cfg,
		addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		retryDelay: baseRetryDelay,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send renders msg and relays it to the upstream server. Temporary (4xx)
// replies and connection failures are retried with exponential backoff;
// permanent (5xx) replies are returned immediately.
func (p *Provider) Send(ctx context.Context, msg email.Mail) error {
	raw, err := compose.Build(msg, compose.Options{Sender: p.cfg.Sender})
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	from := msg.FromAddress()
	if from == "" {
		from = p.cfg.Sender
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SMTP relay",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := retry.Sleep(ctx, p.backoff(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		err := p.deliver(ctx, from, msg.ToAddress(), raw)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp relay aborted: %w", ctxErr)
		}

		lastErr = err
		if isPermanent(err) {
			var perm *permanentError
			if !errors.As(err, &perm) {
				err = &permanentError{err: err}
			}
			return err
		}
		slog.Warn("SMTP relay error",
			"attempt", attempt,
			"to", msg.ToAddress(),
			"error", err,
		)
	}

	return fmt.Errorf("SMTP relay failed after %d retries: %w", maxRetries, lastErr)
}

// deliver runs a single SMTP conversation.
func (p *Provider) deliver(ctx context.Context, from, to string, raw []byte) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer c.Close()

	if err := c.Hello(p.cfg.HelloName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if p.cfg.TLSMode == TLSStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return &permanentError{err: errors.New("server does not support STARTTLS")}
		}
		if err := c.StartTLS(p.cfg.TLSConfig); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if p.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return &permanentError{err: errors.New("server does not support AUTH")}
		}
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
		if err := c.Auth(auth); err != nil {
			// Without a server reply the client refused locally, e.g. PLAIN
			// over an unencrypted link to a remote host.
			var tpErr *textproto.Error
			if !errors.As(err, &tpErr) {
				return &permanentError{err: fmt.Errorf("AUTH failed: %w", err)}
			}
			return fmt.Errorf("AUTH failed: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	return c.Quit()
}

// backoff returns the wait before retry number attempt (1-based).
func (p *Provider) backoff(attempt int) time.Duration {
	return retry.Backoff(p.retryDelay, attempt-1)
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: 30 * time.Second}
	if p.cfg.TLSMode == TLSImplicit {
		td := &tls.Dialer{NetDialer: d, Config: p.cfg.TLSConfig}
		return td.DialContext(ctx, "tcp", p.addr)
	}
	return d.DialContext(ctx, "tcp", p.addr)
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Permanent() bool { return true }

// isPermanent reports whether err is a 5xx reply or a capability mismatch.
func isPermanent(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return false
}
