package signer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"time"

	"github.com/modfin/smime"
	"github.com/modfin/smime/internal/metrics"
	"github.com/modfin/smime/internal/pkcs7"
	"github.com/modfin/smime/internal/scratch"
	"github.com/modfin/smime/tools"
	"github.com/sirupsen/logrus"
)

const copyChunk = 32 << 10

// Engine signs messages with a Context. It holds no per call state and is safe for
// concurrent use.
type Engine struct {
	context   *Context
	primitive Primitive
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

type EngineOption func(*Engine)

// WithPrimitive replaces the in process signer, e.g. with an OpenSSL primitive.
func WithPrimitive(p Primitive) EngineOption {
	return func(e *Engine) {
		e.primitive = p
	}
}

func WithLogger(lc *tools.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = lc.New("smime-signer")
	}
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(c *Context, opts ...EngineOption) (*Engine, error) {
	if c == nil {
		return nil, &ConfigurationError{Kind: KindInvalidOption, Err: errors.New("no signing context")}
	}
	e := &Engine{context: c}
	for _, o := range opts {
		o(e)
	}
	if e.primitive == nil {
		e.primitive = NewNative(c.fs)
	}
	if e.logger == nil {
		e.logger = tools.LoggerCloner(nil).New("smime-signer")
	}
	return e, nil
}

func (e *Engine) Context() *Context {
	return e.context
}

// Sign returns a new message with the headers of msg and a multipart/signed body holding the
// original body and a detached PKCS#7 signature over it. Content-* headers of msg travel with
// the body into the first sub-part. msg is not modified.
func (e *Engine) Sign(ctx context.Context, msg *smime.Message) (_ *smime.Message, err error) {
	start := time.Now()
	var (
		written  int64
		warnings []string
	)
	defer func() {
		e.metrics.Observe(resultLabel(err), time.Since(start).Seconds(), written, len(warnings))
	}()

	if msg == nil || msg.Body == nil {
		return nil, smime.ErrNoBody
	}
	header, content := signedEntity(msg)

	in, out, release, err := scratch.Pair(e.context.fs, e.context.tempDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			e.logger.WithError(rerr).Warn("could not release scratch buffers")
			err = errors.Join(err, rerr)
		}
	}()

	body, err := smime.Entity(content)
	if err != nil {
		return nil, fmt.Errorf("could not open message body: %w", err)
	}
	written, err = in.Fill(body, copyChunk, ctx.Err)
	err = errors.Join(err, body.Close())
	if err != nil {
		return nil, err
	}
	if err = in.Sync(); err != nil {
		return nil, fmt.Errorf("could not flush scratch input: %w", err)
	}

	res, perr := e.primitive.SignDetached(Request{
		Input:       in.Path(),
		Output:      out.Path(),
		Certificate: e.context.certificate,
		Key:         e.context.key,
		Headers:     map[string]string{},
		Flags:       e.context.flags,
		ExtraCerts:  e.context.extraCerts,
		Digest:      e.context.digest,
	})
	if perr != nil {
		var se *SigningError
		if errors.As(perr, &se) {
			return nil, se
		}
		return nil, &SigningError{Diagnostic: perr.Error(), Err: perr}
	}
	warnings = res.Warnings
	for _, w := range warnings {
		e.logger.WithFields(logrus.Fields{
			"certificate": e.context.certificate,
			"key":         e.context.key.KeyPath(),
		}).Warn(w)
	}

	parsed, err := e.readOutput(out)
	if err != nil {
		return nil, err
	}

	signed := &smime.Message{
		Header: header,
		Body: &SignedPart{
			params:          parsed.params,
			content:         content,
			size:            written,
			flags:           e.context.flags,
			signatureHeader: signatureHeader(parsed.signatureHeader),
			signature:       parsed.signature,
		},
	}

	e.logger.WithFields(logrus.Fields{
		"bytes":    written,
		"boundary": parsed.boundary(),
		"micalg":   parsed.params["micalg"],
		"duration": time.Since(start).String(),
	}).Debug("signed message")
	return signed, nil
}

// signedEntity splits msg into the fields that stay on the message and the entity that gets
// signed. Content-* fields of a plain body describe that body, so they move into the signed
// part. A Part brings its own fields and the message ones are dropped.
func signedEntity(msg *smime.Message) (smime.Header, smime.Body) {
	header, fields := smime.SplitContent(msg.Header)
	if _, ok := msg.Body.(smime.Part); ok || fields.Len() == 0 {
		return header, msg.Body
	}
	return header, smime.NewPart(fields, msg.Body)
}

func (e *Engine) readOutput(out *scratch.Buffer) (*signedOutput, error) {
	f, err := out.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	parsed, err := parseSignedOutput(f)
	if err != nil {
		return nil, signingErrorf(err, "malformed signer output: %v", err)
	}

	info, err := pkcs7.Inspect(parsed.signature)
	if err != nil {
		return nil, signingErrorf(err, "malformed signature: %v", err)
	}
	if !info.Detached {
		return nil, signingErrorf(nil, "signature is not detached")
	}
	if parsed.params["protocol"] == "" {
		parsed.params["protocol"] = signatureMediaType
	}
	if parsed.params["micalg"] == "" && len(info.Digests) > 0 {
		micalg, err := pkcs7.Micalg(info.Digests[0])
		if err == nil {
			parsed.params["micalg"] = micalg
		}
	}
	if _, _, err := mime.ParseMediaType(mime.FormatMediaType("multipart/signed", parsed.params)); err != nil {
		return nil, signingErrorf(err, "invalid multipart/signed parameters: %v", err)
	}
	return parsed, nil
}

func resultLabel(err error) string {
	var ce *ConfigurationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return string(ce.Kind)
	case errors.Is(err, ErrSigning):
		return "signing-error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "io-error"
}
