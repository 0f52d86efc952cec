package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/metrics"
)

// mockProvider records every message it is asked to send.
type mockProvider struct {
	mu   sync.Mutex
	sent []email.Mail

	fail     map[string]error
	delay    time.Duration
	onSend   func()
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Send(ctx context.Context, msg email.Mail) error {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxSeen.Load()
		if n <= cur || m.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	if m.onSend != nil {
		m.onSend()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	return m.fail[msg.ToAddress()]
}

func (m *mockProvider) messages() map[string]email.Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]email.Mail, len(m.sent))
	for _, msg := range m.sent {
		out[msg.ToAddress()] = msg
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func int64Ptr(v int64) *int64 { return &v }

func TestSend_PerRecipientCopies(t *testing.T) {
	t.Parallel()

	proto := email.New("Shop", "shop@example.com", "", "", "Sale", "<b>50%</b>", "50%")
	recipients := []Recipient{
		{Address: "alice@example.com", ID: int64Ptr(1)},
		{Address: "bob@example.com", ID: int64Ptr(2)},
		{Address: "carol@example.com"},
	}

	p := &mockProvider{}
	d := &Dispatcher{Provider: p, Logger: quietLogger()}
	report := d.Send(context.Background(), proto, recipients)

	if report.Sent != 3 || report.Failed != 0 {
		t.Fatalf("Sent=%d Failed=%d, want 3/0", report.Sent, report.Failed)
	}

	msgs := p.messages()
	tests := []struct {
		to     string
		wantID int64
		wantOK bool
	}{
		{"alice@example.com", 1, true},
		{"bob@example.com", 2, true},
		{"carol@example.com", 0, false},
	}
	for _, tt := range tests {
		msg, ok := msgs[tt.to]
		if !ok {
			t.Errorf("no message sent to %s", tt.to)
			continue
		}
		id, hasID := msg.RecipientID()
		if id != tt.wantID || hasID != tt.wantOK {
			t.Errorf("%s: RecipientID() = (%d, %v), want (%d, %v)", tt.to, id, hasID, tt.wantID, tt.wantOK)
		}
		if msg.Subject() != "Sale" || msg.FromAddress() != "shop@example.com" {
			t.Errorf("%s: prototype fields not carried over", tt.to)
		}
	}

	if proto.ToAddress() != "" {
		t.Errorf("prototype ToAddress mutated to %q", proto.ToAddress())
	}
	if _, ok := proto.RecipientID(); ok {
		t.Error("prototype RecipientID mutated")
	}
}

func TestSend_ResultsInInputOrder(t *testing.T) {
	t.Parallel()

	boom := errors.New("mailbox full")
	recipients := []Recipient{
		{Address: "a@example.com"},
		{Address: "b@example.com"},
		{Address: "c@example.com"},
		{Address: "d@example.com"},
	}

	p := &mockProvider{fail: map[string]error{"b@example.com": boom}}
	d := &Dispatcher{Provider: p, Concurrency: 2, Logger: quietLogger()}
	report := d.Send(context.Background(), email.New("", "", "", "", "s", "", "t"), recipients)

	if len(report.Results) != len(recipients) {
		t.Fatalf("got %d results, want %d", len(report.Results), len(recipients))
	}
	for i, res := range report.Results {
		if res.Recipient.Address != recipients[i].Address {
			t.Errorf("Results[%d] = %s, want %s", i, res.Recipient.Address, recipients[i].Address)
		}
	}
	if !errors.Is(report.Results[1].Err, boom) {
		t.Errorf("Results[1].Err = %v, want %v", report.Results[1].Err, boom)
	}
	if report.Sent != 3 || report.Failed != 1 {
		t.Errorf("Sent=%d Failed=%d, want 3/1", report.Sent, report.Failed)
	}

	failures := report.Failures()
	if len(failures) != 1 || failures[0].Recipient.Address != "b@example.com" {
		t.Errorf("Failures() = %+v, want b@example.com only", failures)
	}
}

func TestSend_Empty(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	d := &Dispatcher{Provider: p, Logger: quietLogger()}
	report := d.Send(context.Background(), email.New("", "", "", "", "", "", ""), nil)

	if len(report.Results) != 0 || report.Sent != 0 || report.Failed != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
	if len(p.messages()) != 0 {
		t.Error("expected no provider calls")
	}
}

func TestSend_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var recipients []Recipient
	for _, addr := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		recipients = append(recipients, Recipient{Address: addr + "@example.com"})
	}

	p := &mockProvider{delay: 20 * time.Millisecond}
	d := &Dispatcher{Provider: p, Concurrency: 2, Logger: quietLogger()}
	report := d.Send(context.Background(), email.New("", "", "", "", "", "", "x"), recipients)

	if report.Sent != len(recipients) {
		t.Fatalf("Sent = %d, want %d", report.Sent, len(recipients))
	}
	if got := p.maxSeen.Load(); got > 2 {
		t.Errorf("max concurrent sends = %d, want <= 2", got)
	}
}

func TestSend_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &mockProvider{onSend: cancel}
	d := &Dispatcher{Provider: p, Concurrency: 1, Logger: quietLogger()}
	recipients := []Recipient{
		{Address: "a@example.com"},
		{Address: "b@example.com"},
		{Address: "c@example.com"},
	}
	report := d.Send(ctx, email.New("", "", "", "", "", "", "x"), recipients)

	if report.Results[0].Err != nil {
		t.Errorf("Results[0].Err = %v, want nil", report.Results[0].Err)
	}
	for i := 1; i < len(recipients); i++ {
		if !errors.Is(report.Results[i].Err, context.Canceled) {
			t.Errorf("Results[%d].Err = %v, want context.Canceled", i, report.Results[i].Err)
		}
	}
	if report.Sent != 1 || report.Failed != 2 {
		t.Errorf("Sent=%d Failed=%d, want 1/2", report.Sent, report.Failed)
	}
	if n := len(p.messages()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestSend_NilPrototype(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	d := &Dispatcher{Provider: p, Logger: quietLogger()}
	report := d.Send(context.Background(), nil, []Recipient{{Address: "a@example.com"}})

	if report.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", report.Sent)
	}
	msg := p.messages()["a@example.com"]
	if msg == nil || msg.Subject() != "" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestSend_RecordsMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	p := &mockProvider{fail: map[string]error{"b@example.com": errors.New("rejected")}}
	d := &Dispatcher{Provider: p, Metrics: m, Logger: quietLogger()}
	d.Send(context.Background(), email.New("", "", "", "", "", "", "x"), []Recipient{
		{Address: "a@example.com"},
		{Address: "b@example.com"},
		{Address: "c@example.com"},
	})

	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("mock", metrics.StatusSent)); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("mock", metrics.StatusFailed)); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

type classifiedError struct{ permanent bool }

func (e *classifiedError) Error() string   { return "classified" }
func (e *classifiedError) Permanent() bool { return e.permanent }

func TestReport_AllPermanent(t *testing.T) {
	t.Parallel()

	perm := &classifiedError{permanent: true}
	temp := &classifiedError{permanent: false}

	tests := []struct {
		name   string
		report Report
		want   bool
	}{
		{name: "no failures", report: Report{Results: []Result{{}}, Sent: 1}, want: false},
		{
			name:   "all permanent",
			report: Report{Results: []Result{{Err: perm}, {Err: fmt.Errorf("wrapped: %w", perm)}}, Failed: 2},
			want:   true,
		},
		{
			name:   "mixed",
			report: Report{Results: []Result{{Err: perm}, {Err: temp}}, Failed: 2},
			want:   false,
		},
		{
			name:   "unclassified",
			report: Report{Results: []Result{{Err: errors.New("boom")}}, Failed: 1},
			want:   false,
		},
		{
			name:   "permanent with a success",
			report: Report{Results: []Result{{}, {Err: perm}}, Sent: 1, Failed: 1},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.report.AllPermanent(); got != tt.want {
				t.Errorf("AllPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}
