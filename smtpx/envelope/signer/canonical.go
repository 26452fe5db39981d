package signer

import (
	"io"
	"strings"
)

const textHeader = "Content-Type: text/plain\r\n\r\n"

// canonical returns the bytes that get signed for content under flags. Both the primitives
// and SignedPart go through here so the first sub-part matches the signature.
func canonical(content io.Reader, flags Flags) io.Reader {
	if !flags.Has(Binary) {
		content = &crlfReader{r: content}
	}
	if flags.Has(Text) {
		content = io.MultiReader(strings.NewReader(textHeader), content)
	}
	return content
}

// crlfReader turns bare LF into CRLF.
type crlfReader struct {
	r       io.Reader
	buf     []byte
	pending []byte
	lastCR  bool
	err     error
}

func (c *crlfReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(c.pending) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if c.buf == nil {
			c.buf = make([]byte, 16<<10)
		}
		n, err := c.r.Read(c.buf)
		if n > 0 {
			c.pending = c.convert(c.buf[:n])
		}
		c.err = err
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *crlfReader) convert(in []byte) []byte {
	out := make([]byte, 0, len(in)+len(in)/32+1)
	for _, b := range in {
		if b == '\n' && !c.lastCR {
			out = append(out, '\r')
		}
		out = append(out, b)
		c.lastCR = b == '\r'
	}
	return out
}
