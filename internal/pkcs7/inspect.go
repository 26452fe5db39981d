package pkcs7

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

var ErrNotSignedData = errors.New("not a PKCS#7 SignedData")

// Info summarizes a SignedData blob.
type Info struct {
	Digests      []crypto.Hash
	Signers      int
	Certificates []*x509.Certificate
	Detached     bool
}

type inspectSignedData struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// Inspect parses the outer structure of a DER ContentInfo holding SignedData.
func Inspect(der []byte) (*Info, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedData, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing bytes after ContentInfo", ErrNotSignedData)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %v", ErrNotSignedData, ci.ContentType)
	}

	var sd inspectSignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedData, err)
	}

	info := &Info{
		Signers:  len(sd.SignerInfos),
		Detached: len(sd.EncapContentInfo.EContent.Bytes) == 0,
	}
	for _, raw := range sd.DigestAlgorithms {
		var alg algorithmIdentifier
		if _, err := asn1.Unmarshal(raw.FullBytes, &alg); err != nil {
			return nil, fmt.Errorf("%w: digest algorithm: %v", ErrNotSignedData, err)
		}
		if h, ok := hashForOID(alg.Algorithm); ok {
			info.Digests = append(info.Digests, h)
		}
	}
	if len(sd.Certificates.Bytes) > 0 {
		info.Certificates, err = x509.ParseCertificates(sd.Certificates.Bytes)
		if err != nil {
			return nil, fmt.Errorf("could not parse certificates: %w", err)
		}
	}
	return info, nil
}

func hashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, true
	case oid.Equal(asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}):
		return crypto.SHA1, true
	}
	return 0, false
}
