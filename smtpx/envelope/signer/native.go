package signer

import (
	"bufio"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/smime/internal/pkcs7"
	"github.com/spf13/afero"
)

// Native signs in process. The input is read once: it is hashed while it is copied into the
// first part of the output, so only one chunk of the content is in memory at a time.
type Native struct {
	Fs  afero.Fs
	Now func() time.Time
}

func NewNative(fs afero.Fs) *Native {
	return &Native{Fs: fs, Now: time.Now}
}

const (
	signatureMediaType = "application/pkcs7-signature"
	signatureFilename  = "smime.p7s"
	base64LineLength   = 76
)

func (n *Native) SignDetached(req Request) (Result, error) {
	fs := n.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	digest := req.Digest
	if digest == 0 {
		digest = crypto.SHA256
	}
	micalg, err := pkcs7.Micalg(digest)
	if err != nil {
		return Result{}, err
	}

	cert, err := loadCertificate(fs, req.Certificate)
	if err != nil {
		return Result{}, err
	}
	key, err := loadPrivateKey(fs, req.Key)
	if err != nil {
		return Result{}, err
	}
	if !keyMatchesCertificate(key, cert) {
		return Result{}, errors.New("key values mismatch: private key does not match certificate")
	}
	var chain []*x509.Certificate
	if req.ExtraCerts != "" {
		chain, err = loadCertificates(fs, req.ExtraCerts)
		if err != nil {
			return Result{}, err
		}
	}

	signingTime := now()
	var res Result
	res.Warnings = certificateWarnings(cert, signingTime)

	in, err := fs.Open(req.Input)
	if err != nil {
		return Result{}, fmt.Errorf("could not open input: %w", err)
	}
	defer in.Close()

	out, err := fs.OpenFile(req.Output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Result{}, fmt.Errorf("could not open output: %w", err)
	}
	defer out.Close()

	boundary := "----" + uuid.New().String()
	w := bufio.NewWriter(out)

	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\r\n", k, req.Headers[k])
	}
	fmt.Fprintf(w, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(w, "Content-Type: multipart/signed; protocol=\"%s\"; micalg=\"%s\"; boundary=\"%s\"\r\n\r\n", signatureMediaType, micalg, boundary)
	fmt.Fprintf(w, "This is an S/MIME signed message\r\n\r\n--%s\r\n", boundary)

	h, err := pkcs7.NewHash(digest)
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(io.MultiWriter(w, h), canonical(in, req.Flags)); err != nil {
		return Result{}, fmt.Errorf("could not copy content: %w", err)
	}

	der, err := pkcs7.SignDigest(h.Sum(nil), pkcs7.SignerConfig{
		Certificate:  cert,
		Signer:       key,
		Digest:       digest,
		Chain:        chain,
		NoCerts:      req.Flags.Has(NoCerts),
		NoAttributes: req.Flags.Has(NoAttr),
		SigningTime:  signingTime,
	})
	if err != nil {
		return Result{}, err
	}

	fmt.Fprintf(w, "\r\n--%s\r\n", boundary)
	fmt.Fprintf(w, "Content-Type: %s; name=\"%s\"\r\n", signatureMediaType, signatureFilename)
	fmt.Fprintf(w, "Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(w, "Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", signatureFilename)
	if err := writeBase64Lines(w, der); err != nil {
		return Result{}, err
	}
	fmt.Fprintf(w, "\r\n--%s--\r\n", boundary)

	if err := w.Flush(); err != nil {
		return Result{}, fmt.Errorf("could not write output: %w", err)
	}
	if err := out.Close(); err != nil {
		return Result{}, fmt.Errorf("could not close output: %w", err)
	}
	return res, nil
}

func certificateWarnings(cert *x509.Certificate, at time.Time) []string {
	var warnings []string
	if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
		warnings = append(warnings, fmt.Sprintf("certificate %q is not valid at %s", cert.Subject.CommonName, at.UTC().Format(time.RFC3339)))
	}
	if len(cert.ExtKeyUsage) > 0 {
		ok := false
		for _, u := range cert.ExtKeyUsage {
			if u == x509.ExtKeyUsageEmailProtection || u == x509.ExtKeyUsageAny {
				ok = true
			}
		}
		if !ok {
			warnings = append(warnings, fmt.Sprintf("certificate %q is not allowed for email protection", cert.Subject.CommonName))
		}
	}
	return warnings
}

// writeBase64Lines writes base64 of data broken into CRLF terminated lines.
func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := base64LineLength
		if n > len(enc) {
			n = len(enc)
		}
		if _, err := io.WriteString(w, enc[:n]+"\r\n"); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}
