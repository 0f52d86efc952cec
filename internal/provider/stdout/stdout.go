// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/mailheader"
)

const separator = "========================================\n"

// Provider prints email messages to stdout in a human-readable format.
type Provider struct {
	// mu keeps blocks from concurrent sends from interleaving.
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the email message in a readable format.
// It always returns nil (success).
func (p *Provider) Send(_ context.Context, msg email.Mail) error {
	var b strings.Builder

	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("From: %s\n", formatAddress(msg.FromName(), msg.FromAddress())))
	if rt := msg.ReplyTo(); rt != "" {
		b.WriteString(fmt.Sprintf("Reply-To: %s\n", rt))
	}
	b.WriteString(fmt.Sprintf("To: %s\n", msg.ToAddress()))
	if id, ok := msg.RecipientID(); ok {
		b.WriteString(fmt.Sprintf("Recipient-Id: %d\n", id))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject()))

	if raw := msg.AdditionalMailHeader(); strings.TrimSpace(raw) != "" {
		b.WriteString("Headers:\n")
		fields, err := mailheader.Parse(raw)
		if err != nil {
			b.WriteString(fmt.Sprintf("  (unparsed) %s\n", strings.TrimSpace(raw)))
		}
		for _, f := range fields {
			b.WriteString(fmt.Sprintf("  %s: %s\n", f.Key, f.Value))
		}
	}

	body := msg.Message(true)
	if body == "" {
		body = msg.Message(false)
	}
	b.WriteString(fmt.Sprintf("Body (%s):\n", formatSize(len(body))))
	b.WriteString(body + "\n")

	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()

	// The provider contract says stdout always succeeds conceptually,
	// so write errors are dropped.
	_, _ = fmt.Fprint(p.writer, b.String())

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
