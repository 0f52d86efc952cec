// Package compose renders an outbound email as an RFC 5322 message for
// transports that speak raw MIME.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/mailheader"
)

// Options controls how a message is rendered.
type Options struct {
	// Sender is used as the From address when the email has none.
	Sender string

	// Now returns the Date header value. Defaults to time.Now.
	Now func() time.Time
}

// Build renders m as a complete message. When both bodies are present the
// result is multipart/alternative; otherwise it is a single text part.
func Build(m email.Mail, opts Options) ([]byte, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	from := m.FromAddress()
	if from == "" {
		from = opts.Sender
	}

	var h mail.Header
	h.SetDate(now())
	h.SetAddressList("From", []*mail.Address{{Name: m.FromName(), Address: from}})
	if rt := m.ReplyTo(); rt != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: rt}})
	}
	h.SetAddressList("To", []*mail.Address{{Address: m.ToAddress()}})
	h.SetSubject(m.Subject())
	h.SetMessageID(MessageID(from))

	extra, err := mailheader.Parse(m.AdditionalMailHeader())
	if err != nil {
		return nil, err
	}
	for _, f := range extra {
		if mailheader.IsStructural(f.Key) {
			slog.Warn("skipping structural header from additional headers",
				"header", f.Key,
			)
			continue
		}
		h.Add(f.Key, f.Value)
	}

	var buf bytes.Buffer
	text, html := m.Message(true), m.Message(false)

	if text != "" && html != "" {
		w, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if err := writePart(w, "text/plain", text); err != nil {
			return nil, err
		}
		if err := writePart(w, "text/html", html); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close message writer: %w", err)
		}
		return buf.Bytes(), nil
	}

	contentType, body := "text/plain", text
	if html != "" {
		contentType, body = "text/html", html
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// MessageID returns a unique message id (without angle brackets) whose
// domain part is taken from address.
func MessageID(address string) string {
	domain := "localhost"
	if i := strings.LastIndexByte(address, '@'); i >= 0 && i < len(address)-1 {
		domain = address[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}
