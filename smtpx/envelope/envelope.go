package envelope

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/modfin/smime"
	"github.com/modfin/smime/smtpx"
	"github.com/modfin/smime/smtpx/envelope/signer"
)

// Marshal returns msg in wire format. With a DKIM signer the stream is signed on the fly and
// the DKIM-Signature header is prepended. The stream is produced in the background until it is
// read to the end or closed, so callers must Close it.
func Marshal(msg *smime.Message, dkim *signer.DKIM) (io.ReadCloser, error) {
	if msg == nil || msg.Body == nil {
		return nil, smime.ErrNoBody
	}

	s := &stream{}
	pr, pw := io.Pipe()
	s.pipes = append(s.pipes, pr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := msg.WriteTo(pw)
		_ = pw.CloseWithError(err)
	}()

	s.Reader = pr
	if dkim != nil {
		spr, spw := io.Pipe()
		s.pipes = append(s.pipes, spr)
		s.wg.Add(1)
		go func(r io.Reader) {
			defer s.wg.Done()
			err := dkim.Sign(spw, r)
			if err != nil {
				// unblock the writer above
				_ = pr.CloseWithError(err)
			}
			_ = spw.CloseWithError(err)
		}(s.Reader)
		s.Reader = spr
	}
	return s, nil
}

type stream struct {
	io.Reader
	pipes []*io.PipeReader
	wg    sync.WaitGroup
}

// Close stops the background writers and waits for them to return.
func (s *stream) Close() error {
	for _, p := range s.pipes {
		_ = p.Close()
	}
	s.wg.Wait()
	return nil
}

// Prepare fills in the headers a message needs before it is signed. Headers already present
// are left untouched.
func Prepare(msg *smime.Message, now time.Time) error {
	if msg == nil {
		return errors.New("no message")
	}
	if !msg.Header.Has("From") {
		return errors.New("message must have a From header")
	}
	if !msg.Header.Has("Message-ID") {
		msg.Header.Set("Message-ID", smtpx.MessageId(smtpx.GenerateId()))
	}
	if !msg.Header.Has("Date") {
		msg.Header.Set("Date", now.Format(time.RFC1123Z))
	}
	return nil
}
