package intake

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailfan/internal/dispatch"
	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxRecipients caps RCPT TO commands per transaction.
const maxRecipients = 100

// Fanout delivers one copy of a prototype per recipient.
type Fanout interface {
	Send(ctx context.Context, prototype *email.Email, recipients []dispatch.Recipient) dispatch.Report
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn  net.Conn
	text  *textproto.Conn
	state int

	auth           *Authenticator
	fanout         Fanout
	hostname       string
	maxMessageSize int64

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, fanout Fanout, hostname string, maxMessageSize int64, tlsConfig *tls.Config) *Session {
	return &Session{
		conn:           conn,
		text:           textproto.NewConn(conn),
		state:          stateConnected,
		auth:           auth,
		fanout:         fanout,
		hostname:       hostname,
		maxMessageSize: maxMessageSize,
		tlsConfig:      tlsConfig,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer func() { s.conn.Close() }()

	s.reply(220, "%s ESMTP mailfan", s.hostname)

	for {
		if ctx.Err() != nil {
			s.reply(421, "Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.text.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply(250, "OK")
	case "NOOP":
		s.reply(250, "OK")
	case "QUIT":
		s.reply(221, "Bye")
		return true
	default:
		s.reply(500, "Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.reply(501, "Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.reply(250, "%s Hello %s", s.hostname, arg)
		return
	}

	lines := []string{s.hostname + " Hello " + arg}
	if s.tlsConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "SIZE "+strconv.FormatInt(s.maxMessageSize, 10), "8BITMIME")
	s.replyLines(250, lines)
}

// handleSTARTTLS upgrades the connection. It returns true when the
// handshake failed and the session must end.
func (s *Session) handleSTARTTLS() bool {
	if s.tlsConfig == nil {
		s.reply(454, "TLS not available")
		return false
	}
	if s.tlsActive {
		s.reply(454, "TLS already active")
		return false
	}

	s.reply(220, "Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)
	s.tlsActive = true
	// RFC 3207: the client must greet again; earlier AUTH is discarded.
	s.state = stateConnected
	s.resetTransaction()
	return false
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.reply(503, "Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.reply(503, "AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.reply(503, "Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.reply(504, "Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.reply(501, "Authentication cancelled")
	case err != nil:
		slog.Warn("SMTP authentication failed", "mechanism", mechanism, "error", err)
		s.reply(535, "Authentication failed")
	default:
		s.state = stateAuthOK
		s.reply(235, "Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// challenge sends a 334 continuation and reads the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	s.reply(334, "%s", prompt)
	line, err := s.text.ReadLine()
	if err != nil {
		return "", err
	}
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *Session) authPlain(initial string) error {
	if initial == "" {
		var err error
		if initial, err = s.challenge(""); err != nil {
			return err
		}
	}
	if initial == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(initial)
}

func (s *Session) authLogin() error {
	// base64 "Username:" and "Password:"
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.reply(503, "Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.reply(530, "Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply(503, "Nested MAIL command")
		return
	}

	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok || strings.TrimSpace(rest) == "" {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitPath(rest)
	if size, ok := params["SIZE"]; ok {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil && n > s.maxMessageSize {
			s.reply(552, "Message size exceeds fixed limit")
			return
		}
	}

	// A null reverse-path "<>" is allowed for bounces.
	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply(250, "OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.reply(503, "Send MAIL FROM first")
		return
	}

	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	addr, _ := splitPath(rest)
	if addr == "" {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.reply(452, "Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply(250, "OK")
}

// handleDATA reads the message, turns it into a prototype and fans it out
// to the envelope recipients. It returns true when the connection broke
// mid-message.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.reply(503, "Send RCPT TO first")
		return false
	}

	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	dr := s.text.DotReader()
	raw, err := io.ReadAll(io.LimitReader(dr, s.maxMessageSize+1))
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return true
	}
	if int64(len(raw)) > s.maxMessageSize {
		if _, err := io.Copy(io.Discard, dr); err != nil {
			return true
		}
		s.reply(552, "Message size exceeds fixed limit")
		s.resetTransaction()
		return false
	}

	defer s.resetTransaction()

	proto, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		s.reply(550, "Failed to process message")
		return false
	}
	if proto.FromAddress() == "" && s.mailFrom != "" {
		proto = email.CreateFromPrototype(proto, email.Overrides{email.FieldFromAddress: s.mailFrom})
	}

	// The envelope decides who receives a copy; To/Cc/Bcc in the
	// message body are not consulted.
	recipients := make([]dispatch.Recipient, len(s.rcptTo))
	for i, addr := range s.rcptTo {
		recipients[i] = dispatch.Recipient{Address: addr}
	}

	report := s.fanout.Send(ctx, proto, recipients)
	switch {
	case report.Failed == 0:
		s.reply(250, "OK delivered to %d recipient(s)", report.Sent)
	case report.Sent == 0 && report.AllPermanent():
		slog.Warn("delivery rejected permanently",
			"failed", report.Failed,
			"error", report.Failures()[0].Err,
		)
		s.reply(554, "Transaction failed")
	case report.Sent == 0:
		s.reply(451, "Temporary failure, please try again later")
	default:
		// Some copies are already out; a retry would duplicate them.
		slog.Warn("partial delivery",
			"sent", report.Sent,
			"failed", report.Failed,
		)
		s.reply(250, "OK delivered to %d of %d recipient(s)", report.Sent, len(recipients))
	}
	return false
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) reply(code int, format string, args ...any) {
	if err := s.text.PrintfLine("%d "+format, append([]any{code}, args...)...); err != nil {
		slog.Debug("failed to write to client", "error", err)
	}
}

// replyLines writes a multi-line reply.
func (s *Session) replyLines(code int, lines []string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if err := s.text.PrintfLine("%d%s%s", code, sep, line); err != nil {
			slog.Debug("failed to write to client", "error", err)
			return
		}
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// splitPath splits "<addr> KEY=VALUE ..." into the address and its ESMTP
// parameters (keys upper-cased). Bare addresses are accepted.
func splitPath(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}

	params := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, _ := strings.Cut(f, "=")
		params[strings.ToUpper(k)] = v
	}
	return extractAddress(fields[0]), params
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
