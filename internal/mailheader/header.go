// Package mailheader reads and writes the block of extra header lines that
// an email carries alongside its structural fields.
package mailheader

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Field is a single header line.
type Field struct {
	Key   string
	Value string
}

// Parse splits raw into header fields in the order they appear. Lines may
// end in LF or CRLF and may be folded. Blank lines between fields are
// skipped. Keys are returned in canonical MIME form.
func Parse(raw string) ([]Field, error) {
	raw = dropBlankLines(raw)
	if raw == "" {
		return nil, nil
	}

	r := bufio.NewReader(strings.NewReader(raw + "\r\n\r\n"))
	h, err := textproto.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header block: %w", err)
	}

	fields := make([]Field, 0, h.Len())
	it := h.Fields()
	for it.Next() {
		fields = append(fields, Field{Key: it.Key(), Value: it.Value()})
	}
	return fields, nil
}

// dropBlankLines joins the non-blank lines of raw with CRLF. A blank line
// would otherwise end the header block and lose every field after it.
func dropBlankLines(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\r\n"))
}

// Format renders fields as CRLF terminated header lines.
func Format(fields []Field) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// IsStructural reports whether key names a header that mailfan derives from
// the email's own fields and must not be taken from the extra header block.
func IsStructural(key string) bool {
	_, ok := structural[strings.ToLower(key)]
	return ok
}

var structural = map[string]struct{}{
	"from":                      {},
	"to":                        {},
	"cc":                        {},
	"bcc":                       {},
	"reply-to":                  {},
	"subject":                   {},
	"date":                      {},
	"message-id":                {},
	"mime-version":              {},
	"content-type":              {},
	"content-transfer-encoding": {},
	"content-disposition":       {},
}
