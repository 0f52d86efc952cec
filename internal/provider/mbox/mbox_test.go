package mbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/shineum/mailfan/internal/email"
)

func readEntries(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open mbox: %v", err)
	}
	defer f.Close()

	var entries []string
	r := mboxlib.NewReader(f)
	for {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			return entries
		}
		if err != nil {
			t.Fatalf("NextMessage() error: %v", err)
		}
		raw, err := io.ReadAll(msg)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		entries = append(entries, string(raw))
	}
}

func TestProvider_SendAppendsEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.mbox")
	p, err := New(path, "noreply@example.com")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	proto := email.New("Sender", "sender@example.com", "", "", "Hello", "", "Hi there")
	for _, to := range []string{"alice@example.com", "bob@example.com"} {
		if err := p.Send(context.Background(), proto.WithRecipient(to, nil)); err != nil {
			t.Fatalf("Send(%s) error: %v", to, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !strings.Contains(entries[0], "alice@example.com") {
		t.Errorf("first entry missing alice:\n%s", entries[0])
	}
	if !strings.Contains(entries[1], "bob@example.com") {
		t.Errorf("second entry missing bob:\n%s", entries[1])
	}
	for i, e := range entries {
		if !strings.Contains(e, "Subject: Hello") {
			t.Errorf("entry %d missing subject:\n%s", i, e)
		}
	}
}

func TestProvider_SenderFallback(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.mbox")
	p, err := New(path, "noreply@example.com")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	msg := email.New("", "", "", "alice@example.com", "No sender", "", "body")
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !strings.Contains(entries[0], "noreply@example.com") {
		t.Errorf("entry missing sender fallback:\n%s", entries[0])
	}
}

func TestProvider_Errors(t *testing.T) {
	t.Parallel()

	if _, err := New("  ", ""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing", "out.mbox"), ""); err == nil {
		t.Error("expected error for missing directory")
	}

	p, err := New(filepath.Join(t.TempDir(), "out.mbox"), "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	msg := email.New("", "a@example.com", "", "b@example.com", "s", "", "t")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Send(ctx, msg); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() with cancelled ctx = %v, want context.Canceled", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := p.Send(context.Background(), msg); err == nil {
		t.Error("expected error sending after Close")
	}
}

func TestProvider_Name(t *testing.T) {
	t.Parallel()

	p, err := New(filepath.Join(t.TempDir(), "out.mbox"), "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Close()

	if got := p.Name(); got != "mbox" {
		t.Errorf("Name() = %q, want %q", got, "mbox")
	}
}
