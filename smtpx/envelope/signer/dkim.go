package signer

import (
	"crypto"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/modfin/henry/compare"
	"github.com/spf13/afero"
)

// DKIMConfig configures the DKIM signature applied on top of an S/MIME signed message.
type DKIMConfig struct {
	Domain   string `cli:"dkim-domain"`
	Selector string `cli:"dkim-selector"`

	HeaderCanonicalization string `cli:"dkim-canonicalization-header"`
	BodyCanonicalization   string `cli:"dkim-canonicalization-body"`

	PEMKeyFile string `cli:"dkim-key-file"`
	PEMKey     string `cli:"dkim-key"`
}

type dkimOptions dkim.SignOptions

func (s *dkimOptions) withPEM(data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("could not decode pem, got nil")
	}
	key, err := parseDERKey(block.Type, block.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse private key: %w", err)
	}
	s.Signer, err = asSigner(key)
	return err
}

// DKIM signs whole RFC 5322 messages. The S/MIME body is already canonical, so the DKIM
// signature is computed over exactly what is sent.
type DKIM struct {
	options *dkimOptions
}

type DKIMOption func(*dkimOptions)

func DKIMDomain(domain string) DKIMOption {
	return func(o *dkimOptions) {
		o.Domain = domain
	}
}

func DKIMSelector(selector string) DKIMOption {
	return func(o *dkimOptions) {
		o.Selector = selector
	}
}

// DKIMIdentifier sets the i= tag, usually the From address.
func DKIMIdentifier(identifier string) DKIMOption {
	return func(o *dkimOptions) {
		o.Identifier = identifier
	}
}

func DKIMSigner(signer crypto.Signer) DKIMOption {
	return func(o *dkimOptions) {
		o.Signer = signer
	}
}

// With returns a copy of s with op applied.
func (s *DKIM) With(op ...DKIMOption) *DKIM {
	options := *s.options
	options.HeaderKeys = append([]string(nil), s.options.HeaderKeys...)
	for _, o := range op {
		o(&options)
	}
	return &DKIM{options: &options}
}

func NewDKIM(fs afero.Fs, c DKIMConfig, op ...DKIMOption) (*DKIM, error) {
	if c.Domain == "" {
		return nil, errors.New("dkim: no domain specified")
	}
	if c.Selector == "" {
		return nil, errors.New("dkim: no selector specified")
	}

	options := &dkimOptions{
		Domain:                 c.Domain,
		Selector:               c.Selector,
		HeaderCanonicalization: dkim.Canonicalization(compare.Coalesce(c.HeaderCanonicalization, string(dkim.CanonicalizationRelaxed))),
		BodyCanonicalization:   dkim.Canonicalization(compare.Coalesce(c.BodyCanonicalization, string(dkim.CanonicalizationRelaxed))),
	}

	var err error
	switch {
	case c.PEMKey != "":
		err = options.withPEM([]byte(c.PEMKey))
	case c.PEMKeyFile != "":
		var data []byte
		data, err = afero.ReadFile(fs, c.PEMKeyFile)
		if err == nil {
			err = options.withPEM(data)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not create dkim signer: %w", err)
	}
	for _, o := range op {
		o(options)
	}

	if options.Signer == nil {
		return nil, errors.New("dkim: a private key must be specified")
	}

	return &DKIM{options: options}, nil
}

func (s *DKIM) Domain() string {
	return s.options.Domain
}

func (s *DKIM) Sign(out io.Writer, in io.Reader) error {
	return dkim.Sign(out, in, (*dkim.SignOptions)(s.options))
}
