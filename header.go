package smime

import (
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/modfin/henry/slicez"
)

// Field is a single header line. Name keeps the casing it was given.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Lookups are case-insensitive.
type Header struct {
	fields []Field
}

func NewHeader(fields ...Field) Header {
	return Header{fields: append([]Field(nil), fields...)}
}

func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with the given values, keeping the position of the
// first occurrence.
func (h *Header) Set(name string, values ...string) {
	pos := -1
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			pos = i
			break
		}
	}
	h.Del(name)
	add := slicez.Map(values, func(v string) Field { return Field{Name: name, Value: v} })
	if pos < 0 || pos > len(h.fields) {
		h.fields = append(h.fields, add...)
		return
	}
	rest := append(add, h.fields[pos:]...)
	h.fields = append(h.fields[:pos:pos], rest...)
}

func (h *Header) Del(name string) {
	h.fields = slicez.Reject(h.fields, func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
}

func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Header) Has(name string) bool {
	return slicez.ContainsFunc(h.fields, func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
}

func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

func (h Header) Len() int {
	return len(h.fields)
}

func (h Header) Clone() Header {
	return NewHeader(h.fields...)
}

// WriteTo writes the fields as "Name: value\r\n" lines, without the terminating blank line.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range h.fields {
		n, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ParseHeader parses a header block (without the blank line), unfolding continuation lines.
func ParseHeader(block string) (Header, error) {
	var h Header
	block = strings.ReplaceAll(block, "\r\n", "\n")
	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(h.fields) == 0 {
				return Header{}, fmt.Errorf("continuation line without a field: %q", line)
			}
			last := &h.fields[len(h.fields)-1]
			last.Value = last.Value + " " + strings.TrimSpace(line)
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			return Header{}, fmt.Errorf("malformed header line: %q", line)
		}
		h.Add(textproto.TrimString(name), strings.TrimSpace(value))
	}
	return h, nil
}
