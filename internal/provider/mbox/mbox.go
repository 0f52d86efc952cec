// Package mbox implements a Provider that appends each composed message to
// an mbox file instead of delivering it.
package mbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/shineum/mailfan/internal/compose"
	"github.com/shineum/mailfan/internal/email"
)

// Provider writes messages to a single mbox file.
type Provider struct {
	mu     sync.Mutex
	file   *os.File
	writer *mboxlib.Writer
	sender string
	now    func() time.Time
}

// New opens path for appending, creating it when missing. sender is the
// envelope and From address used when a message has none.
func New(path, sender string) (*Provider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open mbox %s: %w", path, err)
	}

	return &Provider{
		file:   f,
		writer: mboxlib.NewWriter(f),
		sender: sender,
		now:    time.Now,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "mbox"
}

// Send renders msg and appends it as one mbox entry.
func (p *Provider) Send(ctx context.Context, msg email.Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := p.now()
	raw, err := compose.Build(msg, compose.Options{
		Sender: p.sender,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	from := msg.FromAddress()
	if from == "" {
		from = p.sender
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return fmt.Errorf("mbox provider is closed")
	}

	w, err := p.writer.CreateMessage(from, now)
	if err != nil {
		return fmt.Errorf("create mbox entry: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write mbox entry: %w", err)
	}
	return nil
}

// Close flushes the trailing separator and closes the file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}
	werr := p.writer.Close()
	ferr := p.file.Close()
	p.writer = nil
	if werr != nil {
		return fmt.Errorf("close mbox writer: %w", werr)
	}
	if ferr != nil {
		return fmt.Errorf("close mbox file: %w", ferr)
	}
	return nil
}
