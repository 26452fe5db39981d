package signer

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modfin/smime"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
	mozilla "go.mozilla.org/pkcs7"
)

const (
	testDir     = "/keys"
	testTempDir = "/scratch"
	testPass    = "correct horse"
)

var (
	keyOnce  sync.Once
	rsaKeys  []*rsa.PrivateKey
	rsaError error
)

// testKey returns one of a few shared RSA keys, generating them is the slow part of the tests.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for n := 0; n < 3; n++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				rsaError = err
				return
			}
			rsaKeys = append(rsaKeys, k)
		}
	})
	require.NoError(t, rsaError)
	return rsaKeys[i]
}

type certOpts struct {
	cn        string
	notBefore time.Time
	notAfter  time.Time
	usage     []x509.ExtKeyUsage
	issuer    *x509.Certificate
	issuerKey crypto.Signer
	ca        bool
}

func newCert(t *testing.T, key crypto.Signer, o certOpts) *x509.Certificate {
	t.Helper()
	if o.cn == "" {
		o.cn = "alice"
	}
	if o.notBefore.IsZero() {
		o.notBefore = time.Now().Add(-time.Hour)
	}
	if o.notAfter.IsZero() {
		o.notAfter = time.Now().Add(24 * time.Hour)
	}
	if o.usage == nil && !o.ca {
		o.usage = []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: o.cn},
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           o.usage,
		EmailAddresses:        []string{o.cn + "@example.com"},
		BasicConstraintsValid: o.ca,
		IsCA:                  o.ca,
	}
	if o.ca {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	parent, signer := tmpl, key
	if o.issuer != nil {
		parent, signer = o.issuer, o.issuerKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func certPEM(certs ...*x509.Certificate) []byte {
	var b bytes.Buffer
	for _, c := range certs {
		_ = pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return b.Bytes()
}

func writeFile(t *testing.T, fs afero.Fs, name string, data []byte) string {
	t.Helper()
	p := path.Join(testDir, name)
	require.NoError(t, fs.MkdirAll(testDir, 0700))
	require.NoError(t, afero.WriteFile(fs, p, data, 0600))
	return p
}

type fixture struct {
	fs       afero.Fs
	key      *rsa.PrivateKey
	cert     *x509.Certificate
	certPath string
	keyPath  string
	// same key, PKCS#8 encrypted with testPass
	encKeyPath string
	// same key, legacy OpenSSL PEM encryption with testPass
	legacyKeyPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	key := testKey(t, 0)
	cert := newCert(t, key, certOpts{})

	enc, err := pkcs8.ConvertPrivateKeyToPKCS8(key, []byte(testPass))
	require.NoError(t, err)
	legacy, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), []byte(testPass), x509.PEMCipherAES256) //nolint:staticcheck
	require.NoError(t, err)

	return &fixture{
		fs:            fs,
		key:           key,
		cert:          cert,
		certPath:      writeFile(t, fs, "cert.pem", certPEM(cert)),
		keyPath:       writeFile(t, fs, "key.pem", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		encKeyPath:    writeFile(t, fs, "key.enc.pem", pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: enc})),
		legacyKeyPath: writeFile(t, fs, "key.legacy.pem", pem.EncodeToMemory(legacy)),
	}
}

func (f *fixture) context(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(f.certPath, f.keyPath, append([]Option{WithFs(f.fs), WithTempDir(testTempDir)}, opts...)...)
	require.NoError(t, err)
	return c
}

func (f *fixture) engine(t *testing.T, c *Context, opts ...EngineOption) *Engine {
	t.Helper()
	n := NewNative(f.fs)
	e, err := NewEngine(c, append([]EngineOption{WithPrimitive(n)}, opts...)...)
	require.NoError(t, err)
	return e
}

// scratchLeft lists files left in the scratch dir.
func (f *fixture) scratchLeft(t *testing.T) []string {
	t.Helper()
	infos, err := afero.ReadDir(f.fs, testTempDir)
	require.NoError(t, err)
	var names []string
	for _, i := range infos {
		names = append(names, i.Name())
	}
	return names
}

func readAll(t *testing.T, open func() (io.ReadCloser, error)) []byte {
	t.Helper()
	r, err := open()
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func wire(t *testing.T, msg *smime.Message) string {
	t.Helper()
	var b bytes.Buffer
	_, err := msg.WriteTo(&b)
	require.NoError(t, err)
	return b.String()
}

// splitParts returns the header block and the sub-parts of a multipart body. The CRLF in
// front of a delimiter belongs to the delimiter.
func splitParts(t *testing.T, raw string, boundary string) (string, []string) {
	t.Helper()
	head, body, found := strings.Cut(raw, "\r\n\r\n")
	require.True(t, found, "no header block")

	delim := "--" + boundary
	closing := "\r\n" + delim + "--"
	end := strings.Index(body, closing)
	require.True(t, end >= 0, "no closing delimiter")

	first := strings.Index(body, delim+"\r\n")
	require.True(t, first >= 0 && first < end, "no first delimiter")
	segments := strings.Split(body[first+len(delim)+2:end], "\r\n"+delim+"\r\n")
	return head, segments
}

func verifySignature(t *testing.T, der []byte, content []byte) *mozilla.PKCS7 {
	t.Helper()
	p7, err := mozilla.Parse(der)
	require.NoError(t, err)
	p7.Content = content
	require.NoError(t, p7.Verify())
	return p7
}
