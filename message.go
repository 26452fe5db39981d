package smime

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// Message is an outbound message, a header block followed by a body.
type Message struct {
	Header Header
	Body   Body
}

// Body produces the bytes of a message body. Every call to Reader must return a fresh
// reader positioned at the start of the content, which is what lets a body be read once for
// signing and once more when the signed message is written.
type Body interface {
	Reader() (io.ReadCloser, error)
}

// Part is a Body carrying its own MIME fields, eg Content-Type. When a message is written
// the part fields are merged into the message header block.
type Part interface {
	Body
	Header() Header
}

var ErrNoBody = errors.New("message has no body")

// Entity returns the bytes a signature is computed over: the part fields, a blank line and
// the content for a Part, the plain content otherwise.
func Entity(b Body) (io.ReadCloser, error) {
	if b == nil {
		return nil, ErrNoBody
	}
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	p, ok := b.(Part)
	if !ok {
		return r, nil
	}
	head := &bytes.Buffer{}
	if _, err := p.Header().WriteTo(head); err != nil {
		return nil, errors.Join(err, r.Close())
	}
	head.WriteString("\r\n")
	return readCloser{Reader: io.MultiReader(head, r), Closer: r}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

type bytesBody []byte

func (b bytesBody) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func BytesBody(b []byte) Body {
	return bytesBody(append([]byte(nil), b...))
}

func StringBody(s string) Body {
	return bytesBody(s)
}

// FuncBody adapts a function that opens the content.
type FuncBody func() (io.ReadCloser, error)

func (f FuncBody) Reader() (io.ReadCloser, error) {
	return f()
}

type fileBody struct {
	fs     afero.Fs
	path   string
	offset int64
}

// FileBody reads the content of path starting at offset.
func FileBody(fs afero.Fs, path string, offset int64) Body {
	return fileBody{fs: fs, path: path, offset: offset}
}

func (b fileBody) Reader() (io.ReadCloser, error) {
	f, err := b.fs.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("could not open body file: %w", err)
	}
	if b.offset > 0 {
		if _, err := f.Seek(b.offset, io.SeekStart); err != nil {
			return nil, errors.Join(fmt.Errorf("could not seek body file: %w", err), f.Close())
		}
	}
	return f, nil
}

type part struct {
	header  Header
	content Body
}

func (p part) Header() Header {
	return p.header.Clone()
}

func (p part) Reader() (io.ReadCloser, error) {
	return p.content.Reader()
}

// NewPart wraps content with MIME fields.
func NewPart(header Header, content Body) Part {
	return part{header: header.Clone(), content: content}
}

// TextPart is a text part sent as 8bit, no transfer encoding is applied to content.
func TextPart(contentType string, content string) Part {
	h := NewHeader(
		Field{Name: "Content-Type", Value: contentType},
		Field{Name: "Content-Transfer-Encoding", Value: "8bit"},
	)
	return NewPart(h, StringBody(content))
}

// WriteTo writes the message in wire format.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m.Body == nil {
		return 0, ErrNoBody
	}

	header := m.Header.Clone()
	if p, ok := m.Body.(Part); ok {
		ph := p.Header()
		for _, f := range ph.Fields() {
			header.Del(f.Name)
		}
		for _, f := range ph.Fields() {
			header.Add(f.Name, f.Value)
		}
		if !header.Has("MIME-Version") {
			header.Add("MIME-Version", "1.0")
		}
	}

	cw := &countWriter{w: w}
	if _, err := header.WriteTo(cw); err != nil {
		return cw.n, err
	}
	if _, err := io.WriteString(cw, "\r\n"); err != nil {
		return cw.n, err
	}
	r, err := m.Body.Reader()
	if err != nil {
		return cw.n, err
	}
	defer r.Close()
	_, err = io.Copy(cw, r)
	return cw.n, err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ReadMessage parses the header block of the message stored at path. The body is not read,
// it is exposed as a FileBody starting right after the blank line.
func ReadMessage(fs afero.Fs, path string) (*Message, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open message: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var block strings.Builder
	var offset int64
	for {
		line, err := br.ReadString('\n')
		offset += int64(len(line))
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("could not read message header: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
		block.WriteString(line)
		if err == io.EOF {
			break
		}
	}

	h, err := ParseHeader(block.String())
	if err != nil {
		return nil, fmt.Errorf("could not parse message header: %w", err)
	}
	rest, content := SplitContent(h)
	var body Body = FileBody(fs, path, offset)
	if content.Len() > 0 {
		body = NewPart(content, body)
	}
	return &Message{Header: rest, Body: body}, nil
}

// IsContentField reports whether name is a MIME field describing the body, eg
// Content-Type or Content-Transfer-Encoding.
func IsContentField(name string) bool {
	return len(name) > len("content-") && strings.EqualFold(name[:len("content-")], "content-")
}

// SplitContent separates the Content-* fields of h from the message fields, keeping order.
func SplitContent(h Header) (rest Header, content Header) {
	for _, f := range h.fields {
		if IsContentField(f.Name) {
			content.Add(f.Name, f.Value)
			continue
		}
		rest.Add(f.Name, f.Value)
	}
	return rest, content
}
