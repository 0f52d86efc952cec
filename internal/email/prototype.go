package email

import (
	"fmt"
	"log/slog"
)

// Field names an Email attribute that can be overridden when deriving from
// a prototype.
type Field string

const (
	FieldFromName             Field = "fromName"
	FieldFromAddress          Field = "fromAddress"
	FieldReplyTo              Field = "replyTo"
	FieldToAddress            Field = "toAddress"
	FieldSubject              Field = "subject"
	FieldMsgHTML              Field = "msgHtml"
	FieldMsgText              Field = "msgText"
	FieldAdditionalMailHeader Field = "additionalMailHeader"
	FieldRecipientID          Field = "recipientId"
)

var knownFields = map[string]Field{
	string(FieldFromName):             FieldFromName,
	string(FieldFromAddress):          FieldFromAddress,
	string(FieldReplyTo):              FieldReplyTo,
	string(FieldToAddress):            FieldToAddress,
	string(FieldSubject):              FieldSubject,
	string(FieldMsgHTML):              FieldMsgHTML,
	string(FieldMsgText):              FieldMsgText,
	string(FieldAdditionalMailHeader): FieldAdditionalMailHeader,
	string(FieldRecipientID):          FieldRecipientID,
}

// ParseField returns the Field for name. Matching is case-sensitive.
func ParseField(name string) (Field, bool) {
	f, ok := knownFields[name]
	return f, ok
}

// Overrides maps fields to replacement values. String fields take a
// string; FieldRecipientID takes an int, int64, *int64 or nil.
type Overrides map[Field]any

// CreateFromPrototype returns a copy of prototype with overrides applied.
// Unknown fields and values of the wrong type are ignored. A nil prototype
// is treated as an Email with every field empty.
func CreateFromPrototype(prototype *Email, overrides Overrides) *Email {
	var c Email
	if prototype != nil {
		c = *prototype
	}

	for field, value := range overrides {
		c.apply(field, value)
	}

	return &c
}

func (e *Email) apply(field Field, value any) {
	if field == FieldRecipientID {
		e.applyRecipientID(value)
		return
	}

	var target *string
	switch field {
	case FieldFromName:
		target = &e.fromName
	case FieldFromAddress:
		target = &e.fromAddress
	case FieldReplyTo:
		target = &e.replyTo
	case FieldToAddress:
		target = &e.toAddress
	case FieldSubject:
		target = &e.subject
	case FieldMsgHTML:
		target = &e.msgHTML
	case FieldMsgText:
		target = &e.msgText
	case FieldAdditionalMailHeader:
		target = &e.additionalMailHeader
	default:
		slog.Debug("ignoring unknown email override", "field", string(field))
		return
	}

	s, ok := value.(string)
	if !ok {
		slog.Warn("ignoring email override with non-string value",
			"field", string(field),
			"type", fmt.Sprintf("%T", value),
		)
		return
	}
	*target = s
}

func (e *Email) applyRecipientID(value any) {
	switch v := value.(type) {
	case nil:
		e.setRecipientID(nil)
	case int:
		id := int64(v)
		e.setRecipientID(&id)
	case int64:
		e.setRecipientID(&v)
	case *int64:
		e.setRecipientID(v)
	default:
		slog.Warn("ignoring recipient id override with unsupported value",
			"type", fmt.Sprintf("%T", value),
		)
	}
}
