package signer

import (
	"errors"
	"fmt"
)

var (
	ErrMissingFile   = errors.New("missing file")
	ErrInvalidOption = errors.New("invalid option")
	ErrSigning       = errors.New("failed to sign S/MIME message")
)

type ConfigKind string

const (
	KindMissingFile   ConfigKind = "missing-file"
	KindInvalidOption ConfigKind = "invalid-option"
)

// ConfigurationError is returned by NewContext. It is never retryable.
type ConfigurationError struct {
	Kind ConfigKind
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("smime: %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("smime: %s: %v", e.Kind, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	switch target {
	case ErrMissingFile:
		return e.Kind == KindMissingFile
	case ErrInvalidOption:
		return e.Kind == KindInvalidOption
	}
	return false
}

// SigningError is returned when the signing primitive fails or produces output that can not
// be turned into a signed part. Diagnostic is the text reported by the crypto engine.
type SigningError struct {
	Diagnostic string
	Err        error
}

func (e *SigningError) Error() string {
	if e.Diagnostic == "" && e.Err != nil {
		return fmt.Sprintf("%v: %v", ErrSigning, e.Err)
	}
	return fmt.Sprintf("%v. Error: %q", ErrSigning, e.Diagnostic)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

func (e *SigningError) Is(target error) bool {
	return target == ErrSigning
}

func signingErrorf(err error, format string, args ...any) *SigningError {
	return &SigningError{Diagnostic: fmt.Sprintf(format, args...), Err: err}
}
