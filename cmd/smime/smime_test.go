package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func writeSigner(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "alice"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)

	cert := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0600))
	return cert, keyPath
}

func testApp() *cli.App {
	return &cli.App{
		Name: "smime",
		Commands: []*cli.Command{
			{Name: "sign", Flags: signFlags(), Action: sign},
			{Name: "inspect", Action: inspect},
		},
	}
}

func TestSignCommand(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSigner(t, dir)

	in := filepath.Join(dir, "in.eml")
	out := filepath.Join(dir, "out.eml")
	require.NoError(t, os.WriteFile(in, []byte("From: alice@example.com\nSubject: hello\n\nhi\n"), 0600))

	err := testApp().Run([]string{"smime", "sign",
		"--cert", cert, "--key", key,
		"--in", in, "--out", out,
		"--temp-dir", filepath.Join(dir, "scratch"),
		"--prepare",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: hello\r\n")
	assert.Contains(t, string(raw), "Message-ID: <")
	assert.Contains(t, string(raw), "Content-Type: multipart/signed;")
	assert.Contains(t, string(raw), "\r\nhi\r\n")
	assert.Contains(t, string(raw), "smime.p7s")

	left, err := os.ReadDir(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSignCommand_HTMLQuotedPrintable(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSigner(t, dir)

	in := filepath.Join(dir, "in.eml")
	out := filepath.Join(dir, "out.eml")
	eml := "From: alice@example.com\n" +
		"Subject: menu\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: text/html; charset=utf-8\n" +
		"Content-Transfer-Encoding: quoted-printable\n" +
		"\n" +
		"<p>caf=C3=A9</p>\n"
	require.NoError(t, os.WriteFile(in, []byte(eml), 0600))

	err := testApp().Run([]string{"smime", "sign",
		"--cert", cert, "--key", key,
		"--in", in, "--out", out,
		"--temp-dir", filepath.Join(dir, "scratch"),
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	head, body, found := strings.Cut(string(raw), "\r\n\r\n")
	require.True(t, found)
	assert.Contains(t, head, "Content-Type: multipart/signed;")
	assert.NotContains(t, head, "Content-Transfer-Encoding")
	assert.NotContains(t, head, "text/html")
	assert.Equal(t, 1, strings.Count(head, "MIME-Version:"))

	// the first sub-part carries the content headers of the input
	_, first, found := strings.Cut(body, "\r\n--")
	require.True(t, found)
	_, first, found = strings.Cut(first, "\r\n")
	require.True(t, found)
	exp := "Content-Type: text/html; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"<p>caf=C3=A9</p>\r\n"
	assert.True(t, strings.HasPrefix(first, exp), "first part: %q", first)
}

func TestSignCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSigner(t, dir)
	in := filepath.Join(dir, "in.eml")
	require.NoError(t, os.WriteFile(in, []byte("Subject: hello\n\nhi\n"), 0600))

	for _, tc := range []struct {
		name string
		args []string
		msg  string
	}{
		{name: "missing cert", args: []string{"--cert", filepath.Join(dir, "nope.pem"), "--key", key, "--in", in}, msg: "missing-file"},
		{name: "bad digest", args: []string{"--cert", cert, "--key", key, "--in", in, "--digest", "md5"}, msg: "unsupported digest"},
		{name: "bad engine", args: []string{"--cert", cert, "--key", key, "--in", in, "--engine", "gpg"}, msg: "unknown engine"},
		{name: "dkim without from", args: []string{"--cert", cert, "--key", key, "--in", in, "--out", filepath.Join(dir, "o"), "--dkim-selector", "s1"}, msg: "no dkim domain"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := testApp().Run(append([]string{"smime", "sign"}, tc.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestInspectCommand_Missing(t *testing.T) {
	err := testApp().Run([]string{"smime", "inspect"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "signature file is required"))
}
