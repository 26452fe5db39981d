package signer

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/modfin/smime"
)

const maxSignaturePart = 4 << 20

// signedOutput is what is kept from the primitive output: the multipart/signed parameters
// and the signature part. The first part is skipped while reading, it is rebuilt from the
// original body when the message is written.
type signedOutput struct {
	params          map[string]string
	signatureHeader smime.Header
	signature       []byte
}

func (s *signedOutput) boundary() string { return s.params["boundary"] }

// parseSignedOutput reads an S/MIME multipart/signed document.
func parseSignedOutput(r io.Reader) (*signedOutput, error) {
	br := bufio.NewReaderSize(r, 64<<10)

	block, err := readHeaderBlock(br)
	if err != nil {
		return nil, err
	}
	header, err := smime.ParseHeader(block)
	if err != nil {
		return nil, fmt.Errorf("could not parse output header: %w", err)
	}
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("could not parse output content type: %w", err)
	}
	if mediaType != "multipart/signed" {
		return nil, fmt.Errorf("output is %s, expected multipart/signed", mediaType)
	}
	if params["boundary"] == "" {
		return nil, errors.New("output has no multipart boundary")
	}

	delim := []byte("--" + params["boundary"])
	closing := append(append([]byte(nil), delim...), '-', '-')

	var (
		part      int
		closed    bool
		lineStart = true
		sigPart   bytes.Buffer
	)
	for !closed {
		line, err := br.ReadSlice('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != bufio.ErrBufferFull && err != io.EOF {
			return nil, fmt.Errorf("could not read output: %w", err)
		}

		if lineStart {
			trimmed := bytes.TrimRight(line, " \t\r\n")
			switch {
			case bytes.Equal(trimmed, closing):
				closed = true
				continue
			case bytes.Equal(trimmed, delim):
				part++
				lineStart = line[len(line)-1] == '\n'
				continue
			}
		}
		lineStart = len(line) > 0 && line[len(line)-1] == '\n'

		if part == 2 {
			if sigPart.Len()+len(line) > maxSignaturePart {
				return nil, errors.New("signature part is too large")
			}
			sigPart.Write(line)
		}
		if err == io.EOF {
			break
		}
	}
	if !closed {
		return nil, errors.New("output is truncated, no closing boundary")
	}
	if part != 2 {
		return nil, fmt.Errorf("output has %d parts, expected 2", part)
	}

	sigHeader, sig, err := decodeSignaturePart(sigPart.Bytes())
	if err != nil {
		return nil, err
	}
	return &signedOutput{params: params, signatureHeader: sigHeader, signature: sig}, nil
}

func readHeaderBlock(br *bufio.Reader) (string, error) {
	var block strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("could not read output header: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			if err == io.EOF && block.Len() == 0 {
				return "", errors.New("output is empty")
			}
			return block.String(), nil
		}
		block.WriteString(line)
		if err == io.EOF {
			return block.String(), nil
		}
	}
}

// cutHeader splits a part at its first empty line, which may end in CRLF or LF.
func cutHeader(raw []byte) (head, body []byte, found bool) {
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:], true
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return nil, raw[1:], true
	}
	end, keep, sep := -1, 0, 0
	for _, s := range []struct {
		sep  string
		keep int
	}{{"\r\n\r\n", 2}, {"\n\n", 1}, {"\n\r\n", 1}} {
		if i := bytes.Index(raw, []byte(s.sep)); i >= 0 && (end < 0 || i < end) {
			end, keep, sep = i, s.keep, len(s.sep)
		}
	}
	if end < 0 {
		return nil, nil, false
	}
	return raw[:end+keep], raw[end+sep:], true
}

func decodeSignaturePart(raw []byte) (smime.Header, []byte, error) {
	head, body, found := cutHeader(raw)
	if !found {
		return smime.Header{}, nil, errors.New("signature part has no header")
	}
	header, err := smime.ParseHeader(string(bytes.ReplaceAll(head, []byte("\r\n"), []byte("\n"))))
	if err != nil {
		return smime.Header{}, nil, fmt.Errorf("could not parse signature part header: %w", err)
	}

	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return smime.Header{}, nil, fmt.Errorf("could not parse signature content type: %w", err)
	}
	if !strings.HasSuffix(mediaType, "pkcs7-signature") {
		return smime.Header{}, nil, fmt.Errorf("signature part is %s", mediaType)
	}

	if !strings.EqualFold(header.Get("Content-Transfer-Encoding"), "base64") {
		// the line break before the closing delimiter belongs to the delimiter
		if b, ok := bytes.CutSuffix(body, []byte("\r\n")); ok {
			return header, b, nil
		}
		return header, bytes.TrimSuffix(body, []byte("\n")), nil
	}
	clean := bytes.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, body)
	sig := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(sig, clean)
	if err != nil {
		return smime.Header{}, nil, fmt.Errorf("could not decode signature: %w", err)
	}
	return header, sig[:n], nil
}
