// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/mailfan/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of a single addressed message
// to the target service (e.g., stdout, AWS SES, Microsoft Graph, an SMTP relay).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg email.Mail) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// IsPermanent reports whether err, or an error it wraps, declares itself a
// failure that retrying the same message cannot fix.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
