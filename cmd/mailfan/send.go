package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shineum/mailfan/internal/config"
	"github.com/shineum/mailfan/internal/dispatch"
	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/metrics"
	"github.com/shineum/mailfan/internal/parser"
)

type sendOptions struct {
	prototype   string
	fromName    string
	from        string
	replyTo     string
	subject     string
	text        string
	html        string
	headers     []string
	sets        []string
	to          []string
	recipients  string
	metricsOut  string
	concurrency int
}

func newSendCmd(configPath *string) *cobra.Command {
	var opts sendOptions

	c := &cobra.Command{
		Use:   "send",
		Short: "Deliver one copy of a prototype email per recipient",
		Example: `  mailfan send --from shop@example.com --subject "Spring sale" --html @sale.html --to alice@example.com
  mailfan send --prototype welcome.eml --recipients list.yaml --set subject="Welcome aboard"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogger(cmd.ErrOrStderr(), cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runSend(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := c.Flags()
	f.StringVar(&opts.prototype, "prototype", "", "read the prototype from an .eml file")
	f.StringVar(&opts.fromName, "from-name", "", "sender display name")
	f.StringVar(&opts.from, "from", "", "sender address")
	f.StringVar(&opts.replyTo, "reply-to", "", "reply-to address")
	f.StringVar(&opts.subject, "subject", "", "subject line")
	f.StringVar(&opts.text, "text", "", "plain text body, or @file to read it from a file")
	f.StringVar(&opts.html, "html", "", "HTML body, or @file to read it from a file")
	f.StringArrayVar(&opts.headers, "header", nil, `additional header line "Name: value" (repeatable)`)
	f.StringArrayVar(&opts.sets, "set", nil, "override a prototype field, field=value (repeatable)")
	f.StringArrayVar(&opts.to, "to", nil, "recipient address (repeatable)")
	f.StringVar(&opts.recipients, "recipients", "", "YAML file listing recipients")
	f.StringVar(&opts.metricsOut, "metrics-out", "", "write delivery metrics to this file in Prometheus text format")
	f.IntVar(&opts.concurrency, "concurrency", 0, "parallel deliveries (defaults to configuration)")

	return c
}

// runSend builds the prototype, resolves recipients, and dispatches. It
// returns an error when any recipient failed.
func runSend(ctx context.Context, cfg *config.Config, opts sendOptions, out, errOut io.Writer) error {
	proto, err := buildPrototype(cfg, opts)
	if err != nil {
		return err
	}

	recipients, err := collectRecipients(proto, opts)
	if err != nil {
		return err
	}

	prov, err := selectProvider(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer closeProvider(prov)

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Dispatch.Concurrency
	}

	m := metrics.New(prometheus.NewRegistry())
	d := &dispatch.Dispatcher{
		Provider:    prov,
		Concurrency: concurrency,
		Metrics:     m,
		Logger:      slog.Default(),
	}
	report := d.Send(ctx, proto, recipients)

	if opts.metricsOut != "" {
		if err := m.WriteTextfile(opts.metricsOut); err != nil {
			slog.Error("failed to write metrics", "error", err)
		}
	}

	for _, res := range report.Failures() {
		fmt.Fprintf(errOut, "failed: %s: %v\n", res.Recipient.Address, res.Err)
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d recipient(s) failed", report.Failed, len(report.Results))
	}
	return nil
}

// buildPrototype starts from the .eml prototype (or the configured sender
// defaults), applies the flag values that were given, then each --set.
func buildPrototype(cfg *config.Config, opts sendOptions) (*email.Email, error) {
	var base *email.Email
	if opts.prototype != "" {
		raw, err := os.ReadFile(opts.prototype)
		if err != nil {
			return nil, fmt.Errorf("failed to read prototype: %w", err)
		}
		base, err = parser.Parse(raw)
		if err != nil {
			return nil, err
		}
	} else {
		base = email.New(cfg.Sender.FromName, cfg.Sender.FromAddress, cfg.Sender.ReplyTo, "", "", "", "")
	}

	text, err := readBody(opts.text)
	if err != nil {
		return nil, err
	}
	html, err := readBody(opts.html)
	if err != nil {
		return nil, err
	}

	overrides := email.Overrides{}
	for field, v := range map[email.Field]string{
		email.FieldFromName:    opts.fromName,
		email.FieldFromAddress: opts.from,
		email.FieldReplyTo:     opts.replyTo,
		email.FieldSubject:     opts.subject,
		email.FieldMsgText:     text,
		email.FieldMsgHTML:     html,
	} {
		if v != "" {
			overrides[field] = v
		}
	}
	if len(opts.headers) > 0 {
		overrides[email.FieldAdditionalMailHeader] = strings.Join(opts.headers, "\r\n")
	}
	proto := email.CreateFromPrototype(base, overrides)

	for _, s := range opts.sets {
		field, value, err := parseSet(s)
		if err != nil {
			return nil, err
		}
		proto = email.CreateFromPrototype(proto, email.Overrides{field: value})
	}

	return proto, nil
}

// parseSet parses a field=value override. recipientId values are parsed as
// integers; an empty recipientId clears it.
func parseSet(s string) (email.Field, any, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return "", nil, fmt.Errorf("invalid --set %q: expected field=value", s)
	}

	field, known := email.ParseField(strings.TrimSpace(name))
	if !known {
		return "", nil, fmt.Errorf("invalid --set %q: unknown field %q", s, name)
	}

	if field != email.FieldRecipientID {
		return field, value, nil
	}
	if value == "" {
		return field, nil, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid --set %q: recipientId must be an integer", s)
	}
	return field, id, nil
}

// readBody returns v, or the contents of the named file when v starts
// with "@".
func readBody(v string) (string, error) {
	path, isFile := strings.CutPrefix(v, "@")
	if !isFile {
		return v, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read body file: %w", err)
	}
	return string(data), nil
}

// collectRecipients merges --to and --recipients. With neither, the
// prototype's own To address (and recipient id) is the single recipient.
func collectRecipients(proto *email.Email, opts sendOptions) ([]dispatch.Recipient, error) {
	var recipients []dispatch.Recipient
	for _, addr := range opts.to {
		recipients = append(recipients, dispatch.Recipient{Address: addr})
	}

	if opts.recipients != "" {
		loaded, err := dispatch.LoadRecipients(opts.recipients)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, loaded...)
	}

	if len(recipients) == 0 && proto.ToAddress() != "" {
		r := dispatch.Recipient{Address: proto.ToAddress()}
		if id, ok := proto.RecipientID(); ok {
			r.ID = &id
		}
		recipients = append(recipients, r)
	}

	if len(recipients) == 0 {
		return nil, errors.New("no recipients: use --to, --recipients, or a prototype with a To address")
	}
	return recipients, nil
}
