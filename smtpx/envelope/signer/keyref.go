package signer

import "fmt"

// KeyRef points at a private key file. It is either a PlainKey, which is never decrypted,
// or a ProtectedKey carrying the passphrase.
type KeyRef interface {
	KeyPath() string
	isKeyRef()
}

type PlainKey struct {
	Path string
}

func (k PlainKey) KeyPath() string { return k.Path }
func (PlainKey) isKeyRef()         {}

func (k PlainKey) String() string {
	return k.Path
}

// ProtectedKey keeps its passphrase unexported so that it does not show up in %v, %+v, %#v
// or structured log fields.
type ProtectedKey struct {
	Path       string
	passphrase string
}

func NewProtectedKey(path, passphrase string) ProtectedKey {
	return ProtectedKey{Path: path, passphrase: passphrase}
}

func (k ProtectedKey) KeyPath() string    { return k.Path }
func (ProtectedKey) isKeyRef()            {}
func (k ProtectedKey) Passphrase() string { return k.passphrase }

func (k ProtectedKey) String() string {
	return fmt.Sprintf("%s (passphrase redacted)", k.Path)
}

func (k ProtectedKey) GoString() string {
	return fmt.Sprintf("signer.ProtectedKey{Path:%q}", k.Path)
}
