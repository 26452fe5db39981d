package signer

import (
	"crypto"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Context holds the validated signing configuration. It is immutable once built and can be
// shared by concurrent Sign calls.
type Context struct {
	certificate string
	key         KeyRef
	flags       Flags
	extraCerts  string
	digest      crypto.Hash
	fs          afero.Fs
	tempDir     string
}

type contextOptions struct {
	passphrase    *string
	extraCerts    string
	flags         Flags
	digest        crypto.Hash
	fs            afero.Fs
	tempDir       string
	hasExtraCerts bool
}

type Option func(*contextOptions)

// WithPassphrase marks the private key as encrypted. An empty passphrase still counts as
// supplied.
func WithPassphrase(passphrase string) Option {
	return func(o *contextOptions) {
		o.passphrase = &passphrase
	}
}

// WithExtraCerts adds a PEM bundle of intermediate certificates to the signature.
func WithExtraCerts(path string) Option {
	return func(o *contextOptions) {
		o.extraCerts = path
		o.hasExtraCerts = path != ""
	}
}

func WithFlags(flags Flags) Option {
	return func(o *contextOptions) {
		o.flags = flags
	}
}

func WithDigest(digest crypto.Hash) Option {
	return func(o *contextOptions) {
		o.digest = digest
	}
}

// WithFs sets the filesystem the key material and the scratch buffers live on.
func WithFs(fs afero.Fs) Option {
	return func(o *contextOptions) {
		o.fs = fs
	}
}

// WithTempDir sets where scratch buffers are created, os.TempDir() by default.
func WithTempDir(dir string) Option {
	return func(o *contextOptions) {
		o.tempDir = dir
	}
}

// NewContext validates and normalizes the signing configuration. Files are only checked for
// existence, they are not opened.
func NewContext(certificate string, privateKey string, opts ...Option) (*Context, error) {
	o := &contextOptions{
		flags:  DefaultFlags,
		digest: crypto.SHA256,
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.flags&^knownFlags != 0 {
		return nil, &ConfigurationError{Kind: KindInvalidOption, Err: fmt.Errorf("unknown sign flags %#x", uint(o.flags&^knownFlags))}
	}
	if !o.flags.Has(Detached) {
		return nil, &ConfigurationError{Kind: KindInvalidOption, Err: fmt.Errorf("only detached signatures are supported, got flags %s", o.flags)}
	}
	switch o.digest {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
	default:
		return nil, &ConfigurationError{Kind: KindInvalidOption, Err: fmt.Errorf("unsupported digest %v", o.digest)}
	}

	c := &Context{
		flags:   o.flags,
		digest:  o.digest,
		fs:      o.fs,
		tempDir: o.tempDir,
	}

	var err error
	c.certificate, err = normalizeFilePath(o.fs, certificate)
	if err != nil {
		return nil, err
	}

	keyPath, err := normalizeFilePath(o.fs, privateKey)
	if err != nil {
		return nil, err
	}
	if o.passphrase != nil {
		c.key = NewProtectedKey(keyPath, *o.passphrase)
	} else {
		c.key = PlainKey{Path: keyPath}
	}

	if o.hasExtraCerts {
		c.extraCerts, err = normalizeFilePath(o.fs, o.extraCerts)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Context) Certificate() string { return c.certificate }
func (c *Context) Key() KeyRef         { return c.key }
func (c *Context) Flags() Flags        { return c.flags }
func (c *Context) Digest() crypto.Hash { return c.digest }
func (c *Context) Fs() afero.Fs        { return c.fs }
func (c *Context) TempDir() string     { return c.tempDir }

// ExtraCerts is the intermediate certificate bundle, empty when none was configured.
func (c *Context) ExtraCerts() string { return c.extraCerts }

func normalizeFilePath(fs afero.Fs, path string) (string, error) {
	if path == "" {
		return "", &ConfigurationError{Kind: KindMissingFile, Err: fmt.Errorf("empty path")}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &ConfigurationError{Kind: KindMissingFile, Path: path, Err: err}
	}
	if _, ok := fs.(*afero.OsFs); ok {
		abs, err = filepath.EvalSymlinks(abs)
		if err != nil {
			return "", &ConfigurationError{Kind: KindMissingFile, Path: path, Err: err}
		}
	}
	info, err := fs.Stat(abs)
	if err != nil {
		return "", &ConfigurationError{Kind: KindMissingFile, Path: path, Err: err}
	}
	if info.IsDir() {
		return "", &ConfigurationError{Kind: KindMissingFile, Path: path, Err: fmt.Errorf("is a directory")}
	}
	return abs, nil
}

// ParseDigest maps a digest name as used on the command line, eg sha256 or SHA-384.
func ParseDigest(name string) (crypto.Hash, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "", "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, &ConfigurationError{Kind: KindInvalidOption, Err: fmt.Errorf("unsupported digest %q", name)}
}
