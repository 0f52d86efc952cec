// Package email defines the outbound email value used throughout mailfan.
//
// An Email is populated once at construction and never changes afterwards.
// Variants are produced by deriving a new value with WithRecipient or
// CreateFromPrototype, so a single prototype can be shared between
// goroutines while copies are fanned out to recipients.
package email

// Mail is the read-only view of an outbound message that delivery
// providers consume.
type Mail interface {
	FromName() string
	FromAddress() string
	ReplyTo() string
	ToAddress() string
	Subject() string
	// Message returns the plain text body when plain is true and the
	// HTML body otherwise.
	Message(plain bool) string
	AdditionalMailHeader() string
	RecipientID() (int64, bool)
}

// Email is an immutable outbound email message.
type Email struct {
	fromName    string
	fromAddress string
	replyTo     string
	toAddress   string

	subject string
	msgHTML string
	msgText string

	additionalMailHeader string
	recipientID          int64
	hasRecipientID       bool
}

// Option sets one of the optional fields at construction.
type Option func(*Email)

// WithAdditionalMailHeader sets the raw block of extra header lines.
func WithAdditionalMailHeader(header string) Option {
	return func(e *Email) {
		e.additionalMailHeader = header
	}
}

// WithRecipientID sets the identifier of the recipient.
func WithRecipientID(id int64) Option {
	return func(e *Email) {
		e.recipientID = id
		e.hasRecipientID = true
	}
}

// New creates an Email with every field set exactly as given. No validation
// is performed.
func New(fromName, fromAddress, replyTo, toAddress, subject, msgHTML, msgText string, opts ...Option) *Email {
	e := &Email{
		fromName:    fromName,
		fromAddress: fromAddress,
		replyTo:     replyTo,
		toAddress:   toAddress,
		subject:     subject,
		msgHTML:     msgHTML,
		msgText:     msgText,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromName returns the sender display name.
func (e *Email) FromName() string { return e.fromName }

// FromAddress returns the sender address.
func (e *Email) FromAddress() string { return e.fromAddress }

// ReplyTo returns the reply-to address, empty when unset.
func (e *Email) ReplyTo() string { return e.replyTo }

// ToAddress returns the recipient address.
func (e *Email) ToAddress() string { return e.toAddress }

// Subject returns the subject line.
func (e *Email) Subject() string { return e.subject }

// AdditionalMailHeader returns the extra header block verbatim.
func (e *Email) AdditionalMailHeader() string { return e.additionalMailHeader }

// RecipientID returns the recipient identifier and whether one is set.
func (e *Email) RecipientID() (int64, bool) {
	return e.recipientID, e.hasRecipientID
}

// Message returns msgText when plain is true, otherwise msgHTML. An empty
// body is returned as is.
func (e *Email) Message(plain bool) string {
	if plain {
		return e.msgText
	}
	return e.msgHTML
}

// WithRecipient returns a copy addressed to address. The recipient id is
// always overwritten: a nil id leaves the copy without one.
func (e *Email) WithRecipient(address string, id *int64) *Email {
	c := *e
	c.toAddress = address
	c.setRecipientID(id)
	return &c
}

func (e *Email) setRecipientID(id *int64) {
	if id == nil {
		e.recipientID = 0
		e.hasRecipientID = false
		return
	}
	e.recipientID = *id
	e.hasRecipientID = true
}
