// Package imap implements a Provider that files each composed message into
// an IMAP mailbox with APPEND rather than sending it.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/shineum/mailfan/internal/compose"
	"github.com/shineum/mailfan/internal/email"
)

const defaultMailbox = "INBOX"

// Config holds the IMAP server connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// UseTLS selects implicit TLS (port 993 by default) over a plain
	// connection (port 143).
	UseTLS    bool
	TLSConfig *tls.Config
	// Mailbox is created on first use when missing. Defaults to INBOX.
	Mailbox string
	// Sender is used as the From address when a message has none.
	Sender string
}

// session is the subset of an IMAP connection the provider needs. Drop
// closes the connection without a LOGOUT exchange and unblocks any
// command in flight.
type session interface {
	EnsureMailbox(name string) error
	Append(mailbox string, raw []byte, t time.Time) error
	Close() error
	Drop() error
}

type dialFunc func(ctx context.Context, cfg Config) (session, error)

// Provider appends messages over a single lazily opened connection.
type Provider struct {
	cfg  Config
	dial dialFunc
	now  func() time.Time

	mu   sync.Mutex
	sess session
}

// New validates cfg and returns a Provider. No connection is made until the
// first Send.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap host is empty")
	}
	if cfg.Port < 0 {
		return nil, errors.New("imap port must be positive")
	}
	if cfg.Port == 0 {
		cfg.Port = 143
		if cfg.UseTLS {
			cfg.Port = 993
		}
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = defaultMailbox
	}
	if cfg.UseTLS && cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
	}
	return &Provider{cfg: cfg, dial: dialIMAP, now: time.Now}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "imap"
}

// Send renders msg and appends it to the configured mailbox. A failed
// append drops the connection and is retried once on a fresh one. When ctx
// ends mid-command the connection is dropped and ctx.Err() returned.
func (p *Provider) Send(ctx context.Context, msg email.Mail) error {
	now := p.now()
	raw, err := compose.Build(msg, compose.Options{
		Sender: p.cfg.Sender,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.sess == nil {
			sess, err := p.connect(ctx)
			if err != nil {
				return err
			}
			p.sess = sess
		}

		lastErr = p.appendWithContext(ctx, raw, now)
		if lastErr == nil {
			slog.Debug("appended message",
				"mailbox", p.cfg.Mailbox,
				"to", msg.ToAddress(),
				"size", len(raw),
			)
			return nil
		}
		if p.sess == nil {
			// ctx ended mid-command and the session is already gone.
			return ctx.Err()
		}

		slog.Warn("imap append failed, reconnecting",
			"attempt", attempt+1,
			"error", lastErr,
		)
		_ = p.sess.Drop()
		p.sess = nil
	}
	return fmt.Errorf("imap append to %s: %w", p.cfg.Mailbox, lastErr)
}

// appendWithContext runs one APPEND on the open session. If ctx ends first
// the session is dropped, which fails the pending command.
func (p *Provider) appendWithContext(ctx context.Context, raw []byte, now time.Time) error {
	sess := p.sess
	stop := context.AfterFunc(ctx, func() { _ = sess.Drop() })
	err := sess.Append(p.cfg.Mailbox, raw, now)
	if !stop() {
		p.sess = nil
	}
	return err
}

func (p *Provider) connect(ctx context.Context) (session, error) {
	sess, err := p.dial(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.Drop() })
	err = sess.EnsureMailbox(p.cfg.Mailbox)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = sess.Drop()
		return nil, err
	}
	slog.Debug("imap connection established",
		"host", p.cfg.Host,
		"mailbox", p.cfg.Mailbox,
		"tls", p.cfg.UseTLS,
	)
	return sess, nil
}

// Close logs out and closes the open connection, if any.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		return nil
	}
	err := p.sess.Close()
	p.sess = nil
	return err
}

// clientSession adapts an imapclient.Client.
type clientSession struct {
	client *imapclient.Client
}

func dialIMAP(ctx context.Context, cfg Config) (session, error) {
	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	options := &imapclient.Options{TLSConfig: cfg.TLSConfig}

	var (
		conn net.Conn
		err  error
	)
	d := &net.Dialer{Timeout: 30 * time.Second}
	if cfg.UseTLS {
		td := &tls.Dialer{NetDialer: d, Config: cfg.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", address)
	} else {
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}
	client := imapclient.New(conn, options)

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	if cfg.Username != "" {
		err = client.Login(cfg.Username, cfg.Password).Wait()
	}
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	return &clientSession{client: client}, nil
}

func (s *clientSession) EnsureMailbox(name string) error {
	if err := s.client.Create(name, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", name, err)
	}
	slog.Info("imap mailbox created", "mailbox", name)
	return nil
}

func (s *clientSession) Append(mailbox string, raw []byte, t time.Time) error {
	cmd := s.client.Append(mailbox, int64(len(raw)), &imapv2.AppendOptions{Time: t})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (s *clientSession) Drop() error {
	return s.client.Close()
}

func (s *clientSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		slog.Debug("imap logout failed", "error", err)
	}
	return s.client.Close()
}
