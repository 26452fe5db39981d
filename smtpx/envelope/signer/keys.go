package signer

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"
)

var errBadDecrypt = errors.New("bad decrypt")

func loadCertificate(fs afero.Fs, path string) (*x509.Certificate, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read certificate: %w", err)
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return certs[0], nil
}

func loadCertificates(fs afero.Fs, path string) ([]*x509.Certificate, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read extra certificates: %w", err)
	}
	return parseCertificates(data)
}

// parseCertificates accepts PEM with any number of CERTIFICATE blocks, or a single DER
// certificate.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("could not parse certificate: %w", err)
		}
		return []*x509.Certificate{cert}, nil
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("could not parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// loadPrivateKey reads the key referenced by ref. A PlainKey is never decrypted, an
// encrypted key behind a PlainKey fails.
func loadPrivateKey(fs afero.Fs, ref KeyRef) (crypto.Signer, error) {
	data, err := afero.ReadFile(fs, ref.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("could not read private key: %w", err)
	}

	var passphrase *string
	if p, ok := ref.(ProtectedKey); ok {
		pp := p.Passphrase()
		passphrase = &pp
	}

	switch strings.ToLower(filepath.Ext(ref.KeyPath())) {
	case ".p12", ".pfx":
		return parsePKCS12Key(data, passphrase)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("could not decode pem private key from %s", ref.KeyPath())
	}

	der := block.Bytes
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		if passphrase == nil {
			return nil, fmt.Errorf("private key is encrypted and no passphrase was given")
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(der, []byte(*passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadDecrypt, err)
		}
		return asSigner(key)
	case x509.IsEncryptedPEMBlock(block): //nolint:staticcheck // legacy OpenSSL encryption is still common
		if passphrase == nil {
			return nil, fmt.Errorf("private key is encrypted and no passphrase was given")
		}
		der, err = x509.DecryptPEMBlock(block, []byte(*passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadDecrypt, err)
		}
	}

	key, err := parseDERKey(block.Type, der)
	if err != nil {
		if passphrase != nil && x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
			// a wrong passphrase can still produce valid padding
			return nil, fmt.Errorf("%w: %v", errBadDecrypt, err)
		}
		return nil, err
	}
	return asSigner(key)
}

func parseDERKey(pemType string, der []byte) (any, error) {
	switch pemType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(der)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(der)
	}
	return nil, fmt.Errorf("unsupported private key pem type: %s", pemType)
}

func parsePKCS12Key(data []byte, passphrase *string) (crypto.Signer, error) {
	pass := ""
	if passphrase != nil {
		pass = *passphrase
	}
	key, _, err := pkcs12.Decode(data, pass)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, fmt.Errorf("%w: %v", errBadDecrypt, err)
		}
		return nil, fmt.Errorf("could not decode pkcs12 bundle: %w", err)
	}
	return asSigner(key)
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", key)
}

type publicKey interface {
	Equal(crypto.PublicKey) bool
}

func keyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := key.Public().(publicKey)
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}
