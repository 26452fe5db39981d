package signer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/modfin/henry/compare"
	"github.com/modfin/smime"
)

// SignedPart is a multipart/signed body. The first sub-part is streamed from the original
// body every time the part is read, the second holds the signature.
type SignedPart struct {
	params          map[string]string
	content         smime.Body
	flags           Flags
	// size is the length of the entity when it was signed
	size            int64
	signatureHeader smime.Header
	signature       []byte
}

func (p *SignedPart) Header() smime.Header {
	return smime.NewHeader(smime.Field{
		Name:  "Content-Type",
		Value: mime.FormatMediaType("multipart/signed", p.params),
	})
}

func (p *SignedPart) Boundary() string { return p.params["boundary"] }
func (p *SignedPart) Protocol() string { return p.params["protocol"] }
func (p *SignedPart) Micalg() string   { return p.params["micalg"] }

// Signature returns the DER encoded PKCS#7 SignedData.
func (p *SignedPart) Signature() []byte {
	return append([]byte(nil), p.signature...)
}

// SignedContent returns the exact bytes covered by the signature.
func (p *SignedPart) SignedContent() (io.ReadCloser, error) {
	r, err := smime.Entity(p.content)
	if err != nil {
		return nil, fmt.Errorf("could not reopen signed content: %w", err)
	}
	checked := &sizeReader{r: r, want: p.size}
	return readCloser{Reader: canonical(checked, p.flags), Closer: r}, nil
}

// ErrBodyChanged is returned while writing a signed message whose body no longer yields the
// bytes that were signed, eg a body that can only be read once.
var ErrBodyChanged = errors.New("signed body changed since it was signed")

type sizeReader struct {
	r    io.Reader
	want int64
	n    int64
}

func (s *sizeReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.n > s.want {
		return n, fmt.Errorf("%w: read more than %d bytes", ErrBodyChanged, s.want)
	}
	if err == io.EOF && s.n != s.want {
		return n, fmt.Errorf("%w: read %d of %d bytes", ErrBodyChanged, s.n, s.want)
	}
	return n, err
}

func (p *SignedPart) Reader() (io.ReadCloser, error) {
	content, err := p.SignedContent()
	if err != nil {
		return nil, err
	}

	b := p.Boundary()
	head := fmt.Sprintf("This is an S/MIME signed message\r\n\r\n--%s\r\n", b)

	tail := &bytes.Buffer{}
	fmt.Fprintf(tail, "\r\n--%s\r\n", b)
	if _, err := p.signatureHeader.WriteTo(tail); err != nil {
		return nil, errors.Join(err, content.Close())
	}
	tail.WriteString("\r\n")
	if err := writeBase64Lines(tail, p.signature); err != nil {
		return nil, errors.Join(err, content.Close())
	}
	fmt.Fprintf(tail, "\r\n--%s--\r\n", b)

	return readCloser{
		Reader: io.MultiReader(strings.NewReader(head), content, tail),
		Closer: content,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func signatureHeader(parsed smime.Header) smime.Header {
	h := smime.NewHeader()
	h.Add("Content-Type", compare.Coalesce(parsed.Get("Content-Type"), signatureMediaType+"; name=\""+signatureFilename+"\""))
	h.Add("Content-Transfer-Encoding", "base64")
	h.Add("Content-Disposition", compare.Coalesce(parsed.Get("Content-Disposition"), "attachment; filename=\""+signatureFilename+"\""))
	for _, f := range parsed.Fields() {
		switch strings.ToLower(f.Name) {
		case "content-type", "content-transfer-encoding", "content-disposition":
			continue
		}
		h.Add(f.Name, f.Value)
	}
	return h
}
