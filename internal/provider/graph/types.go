// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/mailheader"
)

// recipientIDHeader carries the recipient id, which Graph has no field for.
const recipientIDHeader = "X-Recipient-Id"

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject                string                  `json:"subject"`
	Body                   messageBody             `json:"body"`
	From                   *recipient              `json:"from,omitempty"`
	ToRecipients           []recipient             `json:"toRecipients"`
	ReplyTo                []recipient             `json:"replyTo,omitempty"`
	InternetMessageHeaders []internetMessageHeader `json:"internetMessageHeaders,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// internetMessageHeader is a custom header on the outgoing message. Graph
// only accepts headers whose name starts with "X-".
type internetMessageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts an email into a Graph API sendMail request body.
func buildSendMailRequest(msg email.Mail) (*sendMailRequest, error) {
	body := messageBody{
		ContentType: "text",
		Content:     msg.Message(true),
	}
	if html := msg.Message(false); html != "" {
		body.ContentType = "html"
		body.Content = html
	}

	fields, err := mailheader.Parse(msg.AdditionalMailHeader())
	if err != nil {
		return nil, err
	}

	var headers []internetMessageHeader
	for _, f := range fields {
		if !strings.HasPrefix(strings.ToLower(f.Key), "x-") {
			slog.Debug("skipping header not accepted by Graph", "header", f.Key)
			continue
		}
		headers = append(headers, internetMessageHeader{Name: f.Key, Value: f.Value})
	}
	if id, ok := msg.RecipientID(); ok {
		headers = append(headers, internetMessageHeader{
			Name:  recipientIDHeader,
			Value: strconv.FormatInt(id, 10),
		})
	}

	out := sendMailMessage{
		Subject: msg.Subject(),
		Body:    body,
		ToRecipients: []recipient{
			{EmailAddress: emailAddress{Address: msg.ToAddress()}},
		},
		InternetMessageHeaders: headers,
	}

	if addr := msg.FromAddress(); addr != "" {
		out.From = &recipient{EmailAddress: emailAddress{Name: msg.FromName(), Address: addr}}
	}
	if rt := msg.ReplyTo(); rt != "" {
		out.ReplyTo = []recipient{{EmailAddress: emailAddress{Address: rt}}}
	}

	return &sendMailRequest{Message: out}, nil
}
