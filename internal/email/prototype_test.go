package email

import "testing"

func TestCreateFromPrototype_SingleField(t *testing.T) {
	t.Parallel()

	p := newAlice()
	got := CreateFromPrototype(p, Overrides{FieldSubject: "New Subject"})

	want := New("Alice", "alice@x.com", "alice@x.com", "bob@x.com",
		"New Subject", "<p>Hi</p>", "Hi",
		WithAdditionalMailHeader("X-Campaign: spring\r\n"),
		WithRecipientID(42),
	)
	if *got != *want {
		t.Errorf("got %+v, want %+v", *got, *want)
	}
	if p.Subject() != "Hi" {
		t.Errorf("prototype Subject changed to %q", p.Subject())
	}
}

func TestCreateFromPrototype_UnknownFieldIgnored(t *testing.T) {
	t.Parallel()

	p := newAlice()
	got := CreateFromPrototype(p, Overrides{Field("bogusField"): "x"})

	if got == p {
		t.Fatal("expected a new instance")
	}
	if *got != *p {
		t.Errorf("got %+v, want %+v", *got, *p)
	}
}

func TestCreateFromPrototype_CaseSensitive(t *testing.T) {
	t.Parallel()

	p := newAlice()
	got := CreateFromPrototype(p, Overrides{Field("Subject"): "ignored"})

	if got.Subject() != "Hi" {
		t.Errorf("Subject: got %q, want %q", got.Subject(), "Hi")
	}
}

func TestCreateFromPrototype_AllFields(t *testing.T) {
	t.Parallel()

	got := CreateFromPrototype(newAlice(), Overrides{
		FieldFromName:             "Dave",
		FieldFromAddress:          "dave@x.com",
		FieldReplyTo:              "replies@x.com",
		FieldToAddress:            "erin@x.com",
		FieldSubject:              "Hello",
		FieldMsgHTML:              "<b>Hello</b>",
		FieldMsgText:              "Hello",
		FieldAdditionalMailHeader: "X-Flag: 1",
		FieldRecipientID:          int64(5),
	})

	want := New("Dave", "dave@x.com", "replies@x.com", "erin@x.com",
		"Hello", "<b>Hello</b>", "Hello",
		WithAdditionalMailHeader("X-Flag: 1"),
		WithRecipientID(5),
	)
	if *got != *want {
		t.Errorf("got %+v, want %+v", *got, *want)
	}
}

func TestCreateFromPrototype_RecipientIDValues(t *testing.T) {
	t.Parallel()

	id := int64(11)
	tests := []struct {
		name    string
		value   any
		wantID  int64
		wantSet bool
	}{
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"pointer", &id, 11, true},
		{"nil", nil, 0, false},
		{"nil pointer", (*int64)(nil), 0, false},
		{"unsupported type keeps prototype", "12", 42, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := CreateFromPrototype(newAlice(), Overrides{FieldRecipientID: tt.value})
			gotID, ok := got.RecipientID()
			if ok != tt.wantSet || gotID != tt.wantID {
				t.Errorf("RecipientID: got (%d, %v), want (%d, %v)", gotID, ok, tt.wantID, tt.wantSet)
			}
		})
	}
}

func TestCreateFromPrototype_WrongTypeIgnored(t *testing.T) {
	t.Parallel()

	p := newAlice()
	got := CreateFromPrototype(p, Overrides{FieldSubject: 5})

	if *got != *p {
		t.Errorf("got %+v, want %+v", *got, *p)
	}
}

func TestCreateFromPrototype_NilInputs(t *testing.T) {
	t.Parallel()

	p := newAlice()
	if got := CreateFromPrototype(p, nil); *got != *p {
		t.Errorf("nil overrides: got %+v, want %+v", *got, *p)
	}

	got := CreateFromPrototype(nil, Overrides{FieldToAddress: "z@x.com"})
	if got.ToAddress() != "z@x.com" || got.FromName() != "" {
		t.Errorf("nil prototype: got %+v", *got)
	}
}

func TestParseField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		want   Field
		wantOK bool
	}{
		{"fromName", FieldFromName, true},
		{"msgHtml", FieldMsgHTML, true},
		{"recipientId", FieldRecipientID, true},
		{"additionalMailHeader", FieldAdditionalMailHeader, true},
		{"MsgHtml", "", false},
		{"toUid", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseField(tt.name)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseField(%q): got (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEmailImplementsMail(t *testing.T) {
	t.Parallel()

	var _ Mail = (*Email)(nil)
}
