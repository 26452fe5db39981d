package pkcs7

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"time"
)

var ErrUnsupportedDigest = errors.New("unsupported digest algorithm")

// SignerConfig describes one detached signature.
type SignerConfig struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Digest      crypto.Hash

	// Chain is included after the signer certificate, unless NoCerts is set.
	Chain []*x509.Certificate

	NoCerts bool
	// NoAttributes signs the content digest directly, without signed attributes.
	NoAttributes bool
	SigningTime  time.Time
}

// NewHash returns a hash for one of the supported digests.
func NewHash(alg crypto.Hash) (hash.Hash, error) {
	switch alg {
	case crypto.SHA256:
		return sha256.New(), nil
	case crypto.SHA384:
		return sha512.New384(), nil
	case crypto.SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, alg)
}

// Micalg is the multipart/signed micalg parameter for a digest, RFC 5751 section 3.4.3.2.
func Micalg(alg crypto.Hash) (string, error) {
	switch alg {
	case crypto.SHA256:
		return "sha-256", nil
	case crypto.SHA384:
		return "sha-384", nil
	case crypto.SHA512:
		return "sha-512", nil
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupportedDigest, alg)
}

// SignDigest builds a DER encoded ContentInfo holding a detached SignedData for content
// whose digest was computed with config.Digest.
func SignDigest(digest []byte, config SignerConfig) ([]byte, error) {
	if config.Certificate == nil {
		return nil, errors.New("certificate is required")
	}
	if config.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if config.Digest == 0 {
		config.Digest = crypto.SHA256
	}
	if config.SigningTime.IsZero() {
		config.SigningTime = time.Now()
	}

	digestAlgID, err := digestAlgorithmIdentifier(config.Digest)
	if err != nil {
		return nil, err
	}
	sigAlgID, err := signatureAlgorithmIdentifier(config.Signer, config.Digest)
	if err != nil {
		return nil, err
	}

	info := signerInfo{
		Version: 1,
		SID: issuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: config.Certificate.RawIssuer},
			SerialNumber: config.Certificate.SerialNumber,
		},
		DigestAlgorithm:    digestAlgID,
		SignatureAlgorithm: sigAlgID,
	}

	toSign := digest
	prehashed := true
	if !config.NoAttributes {
		attrs, err := signedAttributes(digest, config.SigningTime)
		if err != nil {
			return nil, fmt.Errorf("could not build signed attributes: %w", err)
		}
		der, err := marshalAttributes(attrs)
		if err != nil {
			return nil, fmt.Errorf("could not marshal signed attributes: %w", err)
		}
		info.SignedAttrs = attrs
		toSign = der
		prehashed = false
	}

	info.Signature, err = sign(config.Signer, toSign, prehashed, config.Digest)
	if err != nil {
		return nil, fmt.Errorf("could not sign: %w", err)
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlgID},
		EncapContentInfo: encapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []signerInfo{info},
	}
	if !config.NoCerts {
		certs := append([]*x509.Certificate{config.Certificate}, config.Chain...)
		sd.Certificates, err = marshalCertificates(certs)
		if err != nil {
			return nil, fmt.Errorf("could not marshal certificates: %w", err)
		}
	}

	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("could not marshal SignedData: %w", err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// sign signs data, which is already a digest when prehashed is set.
func sign(signer crypto.Signer, data []byte, prehashed bool, alg crypto.Hash) ([]byte, error) {
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		if prehashed {
			return nil, errors.New("ed25519 signatures require signed attributes")
		}
		return signer.Sign(rand.Reader, data, crypto.Hash(0))
	}
	digest := data
	if !prehashed {
		h, err := NewHash(alg)
		if err != nil {
			return nil, err
		}
		h.Write(data)
		digest = h.Sum(nil)
	}
	return signer.Sign(rand.Reader, digest, alg)
}

func digestAlgorithmIdentifier(alg crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch alg {
	case crypto.SHA256:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA256}, nil
	case crypto.SHA384:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA384}, nil
	case crypto.SHA512:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA512}, nil
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %v", ErrUnsupportedDigest, alg)
}

func signatureAlgorithmIdentifier(signer crypto.Signer, alg crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: OIDRSAEncryption, Parameters: asn1.NullRawValue}, nil
	case *ecdsa.PublicKey:
		switch alg {
		case crypto.SHA256:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA256}, nil
		case crypto.SHA384:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA384}, nil
		case crypto.SHA512:
			return pkix.AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA512}, nil
		}
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %v", ErrUnsupportedDigest, alg)
	case ed25519.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: OIDEd25519}, nil
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("unsupported public key type: %T", signer.Public())
}
