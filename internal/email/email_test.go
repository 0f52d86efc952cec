package email

import "testing"

func newAlice() *Email {
	return New("Alice", "alice@x.com", "alice@x.com", "bob@x.com",
		"Hi", "<p>Hi</p>", "Hi",
		WithAdditionalMailHeader("X-Campaign: spring\r\n"),
		WithRecipientID(42),
	)
}

func int64Ptr(v int64) *int64 { return &v }

func TestNew_RoundTrip(t *testing.T) {
	t.Parallel()

	e := newAlice()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"FromName", e.FromName(), "Alice"},
		{"FromAddress", e.FromAddress(), "alice@x.com"},
		{"ReplyTo", e.ReplyTo(), "alice@x.com"},
		{"ToAddress", e.ToAddress(), "bob@x.com"},
		{"Subject", e.Subject(), "Hi"},
		{"AdditionalMailHeader", e.AdditionalMailHeader(), "X-Campaign: spring\r\n"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, c.got, c.want)
		}
	}

	id, ok := e.RecipientID()
	if !ok || id != 42 {
		t.Errorf("RecipientID: got (%d, %v), want (42, true)", id, ok)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	e := New("", "", "", "", "", "", "")

	if got := e.AdditionalMailHeader(); got != "" {
		t.Errorf("AdditionalMailHeader: got %q, want empty", got)
	}
	if _, ok := e.RecipientID(); ok {
		t.Error("RecipientID: expected absent")
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		html      string
		text      string
		wantPlain string
		wantHTML  string
	}{
		{"distinct bodies", "<p>Hi</p>", "Hi", "Hi", "<p>Hi</p>"},
		{"equal bodies", "same", "same", "same", "same"},
		{"empty text", "<p>Hi</p>", "", "", "<p>Hi</p>"},
		{"empty html", "", "Hi", "Hi", ""},
		{"both empty", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := New("a", "a@x.com", "", "b@x.com", "s", tt.html, tt.text)
			if got := e.Message(true); got != tt.wantPlain {
				t.Errorf("Message(true): got %q, want %q", got, tt.wantPlain)
			}
			if got := e.Message(false); got != tt.wantHTML {
				t.Errorf("Message(false): got %q, want %q", got, tt.wantHTML)
			}
		})
	}
}

func TestWithRecipient(t *testing.T) {
	t.Parallel()

	orig := newAlice()
	derived := orig.WithRecipient("carol@x.com", int64Ptr(7))

	if derived == orig {
		t.Fatal("WithRecipient returned the receiver")
	}
	if got := derived.ToAddress(); got != "carol@x.com" {
		t.Errorf("ToAddress: got %q, want %q", got, "carol@x.com")
	}
	if id, ok := derived.RecipientID(); !ok || id != 7 {
		t.Errorf("RecipientID: got (%d, %v), want (7, true)", id, ok)
	}
	if derived.FromName() != "Alice" || derived.Subject() != "Hi" || derived.Message(false) != "<p>Hi</p>" {
		t.Error("derived copy changed fields other than the recipient")
	}
	if derived.AdditionalMailHeader() != orig.AdditionalMailHeader() {
		t.Error("derived copy lost the additional header")
	}

	if got := orig.ToAddress(); got != "bob@x.com" {
		t.Errorf("original ToAddress: got %q, want %q", got, "bob@x.com")
	}
	if id, ok := orig.RecipientID(); !ok || id != 42 {
		t.Errorf("original RecipientID: got (%d, %v), want (42, true)", id, ok)
	}
}

func TestWithRecipient_NilIDClears(t *testing.T) {
	t.Parallel()

	derived := newAlice().WithRecipient("carol@x.com", nil)

	if got := derived.ToAddress(); got != "carol@x.com" {
		t.Errorf("ToAddress: got %q, want %q", got, "carol@x.com")
	}
	if _, ok := derived.RecipientID(); ok {
		t.Error("RecipientID: expected absent after WithRecipient without id")
	}
	if got := derived.FromName(); got != "Alice" {
		t.Errorf("FromName: got %q, want %q", got, "Alice")
	}
}

func TestWithRecipient_IDNotAliased(t *testing.T) {
	t.Parallel()

	id := int64(9)
	derived := newAlice().WithRecipient("carol@x.com", &id)
	id = 10

	if got, _ := derived.RecipientID(); got != 9 {
		t.Errorf("RecipientID: got %d, want 9", got)
	}
}
