// Package pkcs7 produces detached PKCS#7 / CMS SignedData (RFC 5652) over a digest that the
// caller computes while streaming the content, so the content never has to be in memory.
package pkcs7

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sort"
	"time"
)

var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDAttributeSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     rawCertificates `asn1:"optional,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,set,tag:1"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

// encapsulatedContentInfo carries no eContent, the signature is detached.
type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// rawCertificates holds the [0] IMPLICIT SET OF Certificate as pre-encoded bytes.
type rawCertificates struct {
	Raw asn1.RawContent
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        []attribute `asn1:"optional,omitempty,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []attribute `asn1:"optional,omitempty,tag:1"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

func newAttribute(oid asn1.ObjectIdentifier, value interface{}) (attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return attribute{}, err
	}
	return attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: encoded}}}, nil
}

func signedAttributes(digest []byte, signingTime time.Time) ([]attribute, error) {
	ct, err := newAttribute(OIDAttributeContentType, OIDData)
	if err != nil {
		return nil, err
	}
	st, err := newAttribute(OIDAttributeSigningTime, signingTime.UTC())
	if err != nil {
		return nil, err
	}
	md, err := newAttribute(OIDAttributeMessageDigest, digest)
	if err != nil {
		return nil, err
	}
	return sortAttributes([]attribute{ct, st, md})
}

// sortAttributes orders attributes by their DER encoding, as required for a DER SET OF.
func sortAttributes(attrs []attribute) ([]attribute, error) {
	encoded := make([][]byte, len(attrs))
	for i, a := range attrs {
		b, err := asn1.Marshal(a)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}
	idx := make([]int, len(attrs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return bytes.Compare(encoded[idx[i]], encoded[idx[j]]) < 0
	})
	sorted := make([]attribute, len(attrs))
	for i, k := range idx {
		sorted[i] = attrs[k]
	}
	return sorted, nil
}

// marshalAttributes returns the DER SET OF the signature is computed over.
func marshalAttributes(attrs []attribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []attribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

func marshalCertificates(certs []*x509.Certificate) (rawCertificates, error) {
	if len(certs) == 0 {
		return rawCertificates{}, nil
	}
	var buf bytes.Buffer
	for _, c := range certs {
		buf.Write(c.Raw)
	}
	b, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: buf.Bytes()})
	if err != nil {
		return rawCertificates{}, err
	}
	return rawCertificates{Raw: b}, nil
}
