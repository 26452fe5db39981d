package signer

import (
	"strings"
)

// Flags mirror the OpenSSL PKCS7_* sign flags with the same bit values.
type Flags uint

const (
	// Text prepends "Content-Type: text/plain" to the signed content.
	Text Flags = 0x1
	// NoCerts leaves the signer certificate out of the signature.
	NoCerts Flags = 0x2
	// Detached produces a multipart/signed message with the content outside of the signature.
	Detached Flags = 0x40
	// Binary signs the content as-is, without converting line endings to CRLF.
	Binary Flags = 0x80
	// NoAttr omits the signed attributes (content type, signing time and message digest).
	NoAttr Flags = 0x100

	DefaultFlags = Detached

	knownFlags = Text | NoCerts | Detached | Binary | NoAttr
)

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	var names []string
	for _, n := range []struct {
		flag Flags
		name string
	}{
		{Text, "text"},
		{NoCerts, "nocerts"},
		{Detached, "detached"},
		{Binary, "binary"},
		{NoAttr, "noattr"},
	} {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
