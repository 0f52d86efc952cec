// Package dispatch fans a prototype email out to many recipients through a
// delivery provider.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/metrics"
	"github.com/shineum/mailfan/internal/provider"
)

// DefaultConcurrency is used when Dispatcher.Concurrency is not positive.
const DefaultConcurrency = 4

// Result is the outcome of delivering to one recipient.
type Result struct {
	Recipient Recipient
	Err       error
}

// Report summarises a dispatch run. Results are in recipient input order.
type Report struct {
	Results []Result
	Sent    int
	Failed  int
}

// Failures returns the results that carry an error.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// AllPermanent reports whether at least one recipient failed and every
// failure is permanent, so retrying the whole run cannot help.
func (r Report) AllPermanent() bool {
	if r.Failed == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Err != nil && !provider.IsPermanent(res.Err) {
			return false
		}
	}
	return true
}

// Dispatcher sends one copy of a prototype per recipient.
type Dispatcher struct {
	Provider    provider.Provider
	Concurrency int
	Metrics     *metrics.Metrics // optional
	Logger      *slog.Logger     // defaults to slog.Default()
}

// Send derives a copy of prototype for every recipient and delivers it.
// A failed recipient does not stop the others. Once ctx is done no new
// sends are started and the remaining recipients report the context error.
func (d *Dispatcher) Send(ctx context.Context, prototype *email.Email, recipients []Recipient) Report {
	report := Report{Results: make([]Result, len(recipients))}
	if len(recipients) == 0 {
		return report
	}

	if prototype == nil {
		prototype = &email.Email{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := d.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	name := d.Provider.Name()

	var g errgroup.Group
	g.SetLimit(limit)

	for i, r := range recipients {
		report.Results[i].Recipient = r
		if err := ctx.Err(); err != nil {
			report.Results[i].Err = err
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.Results[i].Err = err
				return nil
			}

			msg := prototype.WithRecipient(r.Address, r.ID)
			start := time.Now()
			err := d.Provider.Send(ctx, msg)
			elapsed := time.Since(start)
			d.Metrics.RecordDelivery(name, err, elapsed)

			if err != nil {
				logger.Error("delivery failed",
					"provider", name,
					"to", r.Address,
					"error", err,
				)
			} else {
				logger.Info("delivered",
					"provider", name,
					"to", r.Address,
					"duration_ms", elapsed.Milliseconds(),
				)
			}
			report.Results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Results {
		if res.Err != nil {
			report.Failed++
		} else {
			report.Sent++
		}
	}

	logger.Info("dispatch complete",
		"provider", name,
		"recipients", len(recipients),
		"sent", report.Sent,
		"failed", report.Failed,
	)
	return report
}
