package signer

import "crypto"

// Primitive produces a detached S/MIME signature of the file at Request.Input, writing an
// S/MIME document (header block plus a multipart/signed body) to Request.Output. A failed
// call returns an error whose text is the engine diagnostic.
type Primitive interface {
	SignDetached(req Request) (Result, error)
}

type Request struct {
	Input       string
	Output      string
	Certificate string
	Key         KeyRef
	// Headers are extra header fields written on the output document.
	Headers    map[string]string
	Flags      Flags
	ExtraCerts string
	Digest     crypto.Hash
}

// Result carries non-fatal diagnostics from a successful call.
type Result struct {
	Warnings []string
}
