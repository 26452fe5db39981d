package envelope

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/modfin/smime"
	"github.com/modfin/smime/smtpx/envelope/signer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message() *smime.Message {
	return &smime.Message{
		Header: smime.NewHeader(
			smime.Field{Name: "From", Value: "alice@example.com"},
			smime.Field{Name: "To", Value: "bob@example.com"},
			smime.Field{Name: "Subject", Value: "hello"},
		),
		Body: smime.TextPart("text/plain; charset=utf-8", "hi\r\n"),
	}
}

func TestMarshal(t *testing.T) {
	msg := message()
	r, err := Marshal(msg, nil)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)

	var exp bytes.Buffer
	_, err = msg.WriteTo(&exp)
	require.NoError(t, err)
	assert.Equal(t, exp.String(), string(got))

	_, err = Marshal(&smime.Message{}, nil)
	assert.True(t, errors.Is(err, smime.ErrNoBody))
}

func TestMarshal_BodyError(t *testing.T) {
	boom := errors.New("boom")
	msg := &smime.Message{Body: smime.FuncBody(func() (io.ReadCloser, error) { return nil, boom })}
	r, err := Marshal(msg, nil)
	require.NoError(t, err)
	defer r.Close()
	_, err = io.ReadAll(r)
	assert.True(t, errors.Is(err, boom))
}

type closeSignal struct {
	io.Reader
	closed chan struct{}
}

func (c *closeSignal) Close() error {
	close(c.closed)
	return nil
}

func TestMarshal_CloseBeforeEnd(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	d, err := signer.NewDKIM(afero.NewMemMapFs(), signer.DKIMConfig{Domain: "example.com", Selector: "s1"}, signer.DKIMSigner(key))
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		dkim *signer.DKIM
	}{
		{name: "plain"},
		{name: "dkim", dkim: d},
	} {
		t.Run(tc.name, func(t *testing.T) {
			body := &closeSignal{
				Reader: strings.NewReader(strings.Repeat("all work and no play\r\n", 200_000)),
				closed: make(chan struct{}),
			}
			msg := message()
			msg.Body = smime.FuncBody(func() (io.ReadCloser, error) { return body, nil })

			r, err := Marshal(msg, tc.dkim)
			require.NoError(t, err)
			br := bufio.NewReader(r)
			for {
				line, err := br.ReadString('\n')
				require.NoError(t, err)
				if strings.HasPrefix(line, "all work") {
					break
				}
			}
			require.NoError(t, r.Close())

			select {
			case <-body.closed:
			case <-time.After(5 * time.Second):
				t.Fatal("body was not closed after the stream was")
			}
		})
	}
}

func TestPrepare(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := message()
	require.NoError(t, Prepare(msg, now))
	assert.True(t, strings.HasPrefix(msg.Header.Get("Message-ID"), "<"))
	assert.Equal(t, "Fri, 01 Mar 2024 12:00:00 +0000", msg.Header.Get("Date"))

	msg = message()
	msg.Header.Set("Message-ID", "<fixed@example.com>")
	require.NoError(t, Prepare(msg, now))
	assert.Equal(t, "<fixed@example.com>", msg.Header.Get("Message-ID"))

	assert.Error(t, Prepare(&smime.Message{Body: smime.StringBody("x")}, now))
}

// signingFiles writes a throwaway S/MIME certificate and key to fs.
func signingFiles(t *testing.T, fs afero.Fs, key *rsa.PrivateKey) (string, string) {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "alice"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/cert.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, afero.WriteFile(fs, "/key.pem", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0600))
	return "/cert.pem", "/key.pem"
}

func TestMarshal_SignedWithDKIM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	cert, keyPath := signingFiles(t, fs, key)
	c, err := signer.NewContext(cert, keyPath, signer.WithFs(fs), signer.WithTempDir("/tmp"))
	require.NoError(t, err)
	e, err := signer.NewEngine(c, signer.WithPrimitive(signer.NewNative(fs)))
	require.NoError(t, err)

	signed, err := e.Sign(context.Background(), message())
	require.NoError(t, err)

	d, err := signer.NewDKIM(fs, signer.DKIMConfig{Domain: "example.com", Selector: "s1"}, signer.DKIMSigner(key))
	require.NoError(t, err)

	r, err := Marshal(signed, d)
	require.NoError(t, err)
	defer r.Close()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("DKIM-Signature: ")))
	assert.Contains(t, string(raw), "Content-Type: multipart/signed;")

	pub, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "s1._domainkey.example.com" {
				return nil, errors.New("unexpected lookup " + domain)
			}
			return []string{"v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	assert.NoError(t, verifications[0].Err)
	assert.Equal(t, "example.com", verifications[0].Domain)
}
