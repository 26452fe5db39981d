package signer

import (
	"bytes"
	"crypto"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const passphraseEnv = "SMIME_OPENSSL_PASSIN"

// OpenSSL signs by running `openssl smime -sign`. Files are handed over by path, so the
// Context must use the OS filesystem.
type OpenSSL struct {
	Binary string
}

func NewOpenSSL(binary string) *OpenSSL {
	if binary == "" {
		binary = "openssl"
	}
	return &OpenSSL{Binary: binary}
}

var opensslHeaders = map[string]string{
	"from":    "-from",
	"to":      "-to",
	"subject": "-subject",
}

func opensslDigest(h crypto.Hash) (string, error) {
	switch h {
	case 0, crypto.SHA256:
		return "sha256", nil
	case crypto.SHA384:
		return "sha384", nil
	case crypto.SHA512:
		return "sha512", nil
	}
	return "", fmt.Errorf("unsupported digest %v", h)
}

func (o *OpenSSL) args(req Request) ([]string, error) {
	md, err := opensslDigest(req.Digest)
	if err != nil {
		return nil, err
	}
	args := []string{"smime", "-sign", "-md", md}
	if req.Flags.Has(Binary) {
		args = append(args, "-binary")
	}
	if req.Flags.Has(NoCerts) {
		args = append(args, "-nocerts")
	}
	if req.Flags.Has(NoAttr) {
		args = append(args, "-noattr")
	}
	if req.Flags.Has(Text) {
		args = append(args, "-text")
	}
	if !req.Flags.Has(Detached) {
		args = append(args, "-nodetach")
	}
	args = append(args,
		"-in", req.Input,
		"-out", req.Output,
		"-signer", req.Certificate,
		"-inkey", req.Key.KeyPath(),
	)
	if _, ok := req.Key.(ProtectedKey); ok {
		args = append(args, "-passin", "env:"+passphraseEnv)
	}
	if req.ExtraCerts != "" {
		args = append(args, "-certfile", req.ExtraCerts)
	}

	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flag, ok := opensslHeaders[strings.ToLower(k)]
		if !ok {
			return nil, fmt.Errorf("openssl can not set header %s", k)
		}
		args = append(args, flag, req.Headers[k])
	}
	return args, nil
}

func (o *OpenSSL) SignDetached(req Request) (Result, error) {
	args, err := o.args(req)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.Command(o.Binary, args...)
	cmd.Env = os.Environ()
	if p, ok := req.Key.(ProtectedKey); ok {
		cmd.Env = append(cmd.Env, passphraseEnv+"="+p.Passphrase())
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err = cmd.Run()
	diagnostic := strings.TrimSpace(stderr.String())
	if err != nil {
		if diagnostic == "" {
			diagnostic = err.Error()
		}
		return Result{}, &SigningError{Diagnostic: diagnostic, Err: err}
	}

	var res Result
	for _, line := range strings.Split(diagnostic, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			res.Warnings = append(res.Warnings, line)
		}
	}
	return res, nil
}
