// Package parser turns a stored RFC 5322 message (an .eml file) into an
// email prototype.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/mailheader"
)

// traceHeaders are added by relays along the way and are never carried
// into a prototype.
var traceHeaders = map[string]struct{}{
	"received":                   {},
	"return-path":                {},
	"delivered-to":               {},
	"dkim-signature":             {},
	"arc-seal":                   {},
	"arc-message-signature":      {},
	"arc-authentication-results": {},
	"authentication-results":     {},
}

// Parse parses raw into an Email. The first From, Reply-To and To
// addresses are used, the first text/plain and text/html inline parts
// become the bodies, and every non-structural header is kept in the
// additional header block. Attachments are skipped.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		// Unknown charsets still yield a usable reader.
		slog.Warn("message header decoding issue", "error", err)
	}

	fromName, fromAddress := firstAddress(mr.Header, "From")
	_, replyTo := firstAddress(mr.Header, "Reply-To")
	_, toAddress := firstAddress(mr.Header, "To")

	subject, err := mr.Header.Subject()
	if err != nil {
		slog.Warn("failed to decode subject, using raw value", "error", err)
		subject = mr.Header.Get("Subject")
	}

	var extra []mailheader.Field
	fields := mr.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		if mailheader.IsStructural(key) {
			continue
		}
		if _, ok := traceHeaders[strings.ToLower(key)]; ok {
			continue
		}
		extra = append(extra, mailheader.Field{Key: key, Value: fields.Value()})
	}

	var text, html string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				contentType = "text/plain"
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s part: %w", contentType, err)
			}
			switch contentType {
			case "text/plain":
				if text == "" {
					text = string(body)
				}
			case "text/html":
				if html == "" {
					html = string(body)
				}
			default:
				slog.Warn("unrecognized inline part, skipping",
					"content_type", contentType,
				)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			slog.Warn("prototype attachments are not supported, skipping",
				"filename", filename,
			)
		}
	}

	return email.New(fromName, fromAddress, replyTo, toAddress, subject, html, text,
		email.WithAdditionalMailHeader(mailheader.Format(extra)),
	), nil
}

// firstAddress returns the name and address of the first entry in the
// address list header key. Unparseable values are returned verbatim as
// the address.
func firstAddress(h mail.Header, key string) (name, address string) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return "", ""
	}

	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		slog.Warn("failed to parse address header, using raw value",
			"header", key,
			"error", err,
		)
		return "", raw
	}
	return list[0].Name, list[0].Address
}
