package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/smime"
	"github.com/modfin/smime/internal/clix"
	"github.com/modfin/smime/internal/config"
	"github.com/modfin/smime/internal/metrics"
	"github.com/modfin/smime/internal/pkcs7"
	"github.com/modfin/smime/internal/scratch"
	"github.com/modfin/smime/smtpx/envelope"
	"github.com/modfin/smime/smtpx/envelope/signer"
	"github.com/modfin/smime/tools"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "smime",
		Usage: "sign outgoing mail with S/MIME detached signatures",

		Commands: []*cli.Command{
			{
				Name:   "sign",
				Usage:  "read a message and write it back as multipart/signed",
				Flags:  signFlags(),
				Action: sign,
			},
			{
				Name:      "inspect",
				Usage:     "print what a PKCS#7 signature (smime.p7s, DER or PEM) contains",
				ArgsUsage: "<file>",
				Action:    inspect,
			},
			{
				Name: "gen-dkim-keys",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "key-size", Value: 2048},
					&cli.StringFlag{Name: "out", Value: "./"},
				},
				Action: gendkim,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "smime:", err)
		os.Exit(1)
	}
}

func signFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "cert", Usage: "signer certificate, PEM or DER"},
		&cli.StringFlag{Name: "key", Usage: "private key, PEM or a .p12/.pfx bundle"},
		&cli.StringFlag{Name: "passphrase", Usage: "passphrase of the private key, prefer $SMIME_KEY_PASSPHRASE pointing to a file"},
		&cli.StringFlag{Name: "extra-certs", Usage: "PEM bundle of intermediate certificates to include"},
		&cli.StringFlag{Name: "digest", Usage: "sha256, sha384 or sha512"},
		&cli.BoolFlag{Name: "binary", Usage: "sign the body as-is, do not convert LF to CRLF"},
		&cli.BoolFlag{Name: "text", Usage: "prepend 'Content-Type: text/plain' to the signed content"},
		&cli.BoolFlag{Name: "no-certs", Usage: "do not include the signer certificate"},
		&cli.BoolFlag{Name: "no-attr", Usage: "do not add signed attributes"},
		&cli.StringFlag{Name: "engine", Usage: "native or openssl"},
		&cli.StringFlag{Name: "openssl", Usage: "path to the openssl binary"},
		&cli.StringFlag{Name: "temp-dir", Usage: "where scratch files are kept while signing"},
		&cli.StringFlag{Name: "in", Usage: "message to sign, stdin when empty"},
		&cli.StringFlag{Name: "out", Usage: "where to write the signed message, stdout when empty"},
		&cli.BoolFlag{Name: "prepare", Usage: "add Message-ID and Date when missing"},
		&cli.StringFlag{Name: "dkim-domain", Usage: "DKIM d= domain, the From domain when empty"},
		&cli.StringFlag{Name: "dkim-selector", Usage: "DKIM selector, DKIM signing is enabled when set"},
		&cli.StringFlag{Name: "dkim-key-file", Usage: "DKIM private key, PEM"},
		&cli.StringFlag{Name: "dkim-canonicalization-header", Usage: "simple or relaxed"},
		&cli.StringFlag{Name: "dkim-canonicalization-body", Usage: "simple or relaxed"},
		&cli.StringFlag{Name: "metrics-push-url", Usage: "push sign metrics to this Pushgateway when done"},
		&cli.StringFlag{Name: "metrics-job", Usage: "Pushgateway job name"},
		&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace"},
		&cli.BoolFlag{Name: "verbose", Usage: "same as --log-level debug"},
	}
}

// signConfig is the flag view of config.Config.
type signConfig struct {
	Certificate   string `cli:"cert"`
	PrivateKey    string `cli:"key"`
	Passphrase    string `cli:"passphrase"`
	ExtraCerts    string `cli:"extra-certs"`
	Digest        string `cli:"digest"`
	Engine        string `cli:"engine"`
	OpenSSLBinary string `cli:"openssl"`
	TempDir       string `cli:"temp-dir"`
	LogLevel      string `cli:"log-level"`

	DKIMDomain     string `cli:"dkim-domain"`
	DKIMSelector   string `cli:"dkim-selector"`
	DKIMPrivateKey string `cli:"dkim-key-file"`

	MetricsPushURL string `cli:"metrics-push-url"`
	MetricsJob     string `cli:"metrics-job"`
}

func loadConfig(c *cli.Context) signConfig {
	env := config.Get()
	cfg := signConfig{
		Certificate:    env.Certificate,
		PrivateKey:     env.PrivateKey,
		Passphrase:     env.Passphrase,
		ExtraCerts:     env.ExtraCerts,
		Digest:         env.Digest,
		Engine:         env.Engine,
		OpenSSLBinary:  env.OpenSSLBinary,
		TempDir:        env.TempDir,
		LogLevel:       env.LogLevel,
		DKIMDomain:     env.DKIMDomain,
		DKIMSelector:   env.DKIMSelector,
		DKIMPrivateKey: env.DKIMPrivateKey,
		MetricsPushURL: env.MetricsPushURL,
		MetricsJob:     env.MetricsJob,
	}
	clix.Override(c, &cfg)
	if c.Bool("verbose") {
		cfg.LogLevel = "debug"
	}
	return cfg
}

func newLogger(level string, format string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		l.SetLevel(lvl)
	}
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

func flagsOf(c *cli.Context) signer.Flags {
	flags := signer.DefaultFlags
	for name, f := range map[string]signer.Flags{
		"binary":   signer.Binary,
		"text":     signer.Text,
		"no-certs": signer.NoCerts,
		"no-attr":  signer.NoAttr,
	} {
		if c.Bool(name) {
			flags |= f
		}
	}
	return flags
}

func sign(c *cli.Context) (err error) {
	cfg := loadConfig(c)

	base, err := newLogger(cfg.LogLevel, config.Get().LogFormat)
	if err != nil {
		return err
	}
	lc := tools.LoggerCloner(base)
	l := lc.New("smime")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()

	digest, err := signer.ParseDigest(cfg.Digest)
	if err != nil {
		return err
	}
	opts := []signer.Option{
		signer.WithFs(fs),
		signer.WithTempDir(cfg.TempDir),
		signer.WithDigest(digest),
		signer.WithFlags(flagsOf(c)),
		signer.WithExtraCerts(cfg.ExtraCerts),
	}
	if cfg.Passphrase != "" {
		opts = append(opts, signer.WithPassphrase(strings.TrimRight(cfg.Passphrase, "\r\n")))
	}
	sctx, err := signer.NewContext(cfg.Certificate, cfg.PrivateKey, opts...)
	if err != nil {
		return err
	}

	var primitive signer.Primitive
	switch cfg.Engine {
	case "", "native":
		primitive = signer.NewNative(fs)
	case "openssl":
		primitive = signer.NewOpenSSL(cfg.OpenSSLBinary)
	default:
		return fmt.Errorf("unknown engine %q, expected native or openssl", cfg.Engine)
	}

	m := metrics.New(metrics.Config{ServiceName: cfg.MetricsJob, Push: cfg.MetricsPushURL}, lc)
	defer func() {
		if perr := m.Push(); perr != nil {
			l.WithError(perr).Warn("could not push metrics")
		}
	}()

	engine, err := signer.NewEngine(sctx,
		signer.WithPrimitive(primitive),
		signer.WithLogger(lc),
		signer.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	msg, release, err := readInput(fs, cfg.TempDir, c.String("in"))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, release())
	}()

	if c.Bool("prepare") {
		if err := envelope.Prepare(msg, time.Now()); err != nil {
			return err
		}
	}

	l.WithFields(logrus.Fields{
		"certificate": sctx.Certificate(),
		"key":         sctx.Key(),
		"flags":       sctx.Flags().String(),
		"engine":      cfg.Engine,
	}).Debug("signing message")

	signed, err := engine.Sign(ctx, msg)
	if err != nil {
		return err
	}

	var dkim *signer.DKIM
	if cfg.DKIMSelector != "" {
		dkim, err = newDKIM(fs, cfg, c, msg)
		if err != nil {
			return err
		}
	}

	r, err := envelope.Marshal(signed, dkim)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeOutput(c.String("out"), r)
}

func newDKIM(fs afero.Fs, cfg signConfig, c *cli.Context, msg *smime.Message) (*signer.DKIM, error) {
	domain := cfg.DKIMDomain
	if domain == "" {
		var err error
		domain, err = tools.DomainOfEmail(msg.Header.Get("From"))
		if err != nil {
			return nil, fmt.Errorf("no dkim domain given and none found in From: %w", err)
		}
	}
	return signer.NewDKIM(fs, signer.DKIMConfig{
		Domain:                 domain,
		Selector:               cfg.DKIMSelector,
		PEMKeyFile:             cfg.DKIMPrivateKey,
		HeaderCanonicalization: c.String("dkim-canonicalization-header"),
		BodyCanonicalization:   c.String("dkim-canonicalization-body"),
	})
}

// readInput opens the message at path, or spools stdin to a scratch file first so that the
// body can be read twice.
func readInput(fs afero.Fs, tempDir string, path string) (*smime.Message, func() error, error) {
	if path != "" {
		msg, err := smime.ReadMessage(fs, path)
		return msg, func() error { return nil }, err
	}

	buf, err := scratch.New(fs, tempDir, "smime-stdin-*")
	if err != nil {
		return nil, nil, err
	}
	if _, err := buf.Fill(os.Stdin, 32<<10, nil); err != nil {
		return nil, nil, errors.Join(err, buf.Close())
	}
	if err := buf.Sync(); err != nil {
		return nil, nil, errors.Join(err, buf.Close())
	}
	msg, err := smime.ReadMessage(fs, buf.Path())
	if err != nil {
		return nil, nil, errors.Join(err, buf.Close())
	}
	return msg, buf.Close, nil
}

func writeOutput(path string, r io.Reader) error {
	if path == "" {
		_, err := io.Copy(os.Stdout, r)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

func inspect(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("a signature file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	} else if dec, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(data)), "")); err == nil {
		data = dec
	}

	info, err := pkcs7.Inspect(data)
	if err != nil {
		return err
	}
	micalgs := slicez.Map(info.Digests, func(h crypto.Hash) string {
		m, err := pkcs7.Micalg(h)
		if err != nil {
			return h.String()
		}
		return m
	})
	fmt.Printf("detached: %t\n", info.Detached)
	fmt.Printf("digests: %s\n", strings.Join(micalgs, ", "))
	fmt.Printf("signers: %d\n", info.Signers)
	for _, cert := range info.Certificates {
		fmt.Printf("certificate: %s (issuer %s, valid %s to %s)\n",
			cert.Subject, cert.Issuer,
			cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

func gendkim(c *cli.Context) (err error) {
	privatekey, err := rsa.GenerateKey(rand.Reader, c.Int("key-size"))
	if err != nil {
		return err
	}

	privatePem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privatekey),
	})
	if err := os.WriteFile(filepath.Join(c.String("out"), "dkim-private.pem"), privatePem, 0600); err != nil {
		return fmt.Errorf("could not write dkim-private.pem: %w", err)
	}

	publickeyBytes, err := x509.MarshalPKIXPublicKey(&privatekey.PublicKey)
	if err != nil {
		return err
	}
	pubRecord := fmt.Sprintf("v=DKIM1; k=rsa; p=%s;", base64.StdEncoding.EncodeToString(publickeyBytes))
	return os.WriteFile(filepath.Join(c.String("out"), "dkim-pub.dns.txt"), []byte(pubRecord), 0644)
}
