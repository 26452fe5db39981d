// Package scratch holds single use temporary buffers for streaming large message bodies
// through file based tools.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Buffer is a temporary file that is removed when closed. A Buffer is owned by one caller
// and must not be shared.
type Buffer struct {
	fs   afero.Fs
	file afero.File
	path string

	closed bool
}

// New creates an empty buffer in dir, os.TempDir() when dir is empty.
func New(fs afero.Fs, dir string, pattern string) (*Buffer, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("could not create scratch dir: %w", err)
	}
	f, err := afero.TempFile(fs, dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("could not create scratch buffer: %w", err)
	}
	return &Buffer{fs: fs, file: f, path: f.Name()}, nil
}

// Path is the name of the buffer on its filesystem, for tools that want to open it themselves.
func (b *Buffer) Path() string {
	return b.path
}

func (b *Buffer) Write(p []byte) (int, error) {
	return b.file.Write(p)
}

// Fill drains r into the buffer using a copy buffer of the given size, checking abort before
// each chunk. Only one chunk is held in memory at a time.
func (b *Buffer) Fill(r io.Reader, chunk int, abort func() error) (int64, error) {
	buf := make([]byte, chunk)
	var total int64
	for {
		if abort != nil {
			if err := abort(); err != nil {
				return total, err
			}
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			w, werr := b.file.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, fmt.Errorf("could not write scratch buffer: %w", werr)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("could not read body: %w", rerr)
		}
	}
}

// Sync flushes written data so that other readers of Path see it.
func (b *Buffer) Sync() error {
	return b.file.Sync()
}

// Open returns a new reader over the buffer content, independent of the write handle.
func (b *Buffer) Open() (afero.File, error) {
	f, err := b.fs.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("could not open scratch buffer: %w", err)
	}
	return f, nil
}

// Close closes and removes the buffer. It is safe to call more than once.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	cerr := b.file.Close()
	rerr := b.fs.Remove(b.path)
	if errors.Is(rerr, os.ErrNotExist) {
		rerr = nil
	}
	return errors.Join(cerr, rerr)
}

// Pair acquires the two buffers a sign call needs. Both are released by the returned func,
// which also releases the first buffer when the second could not be created.
func Pair(fs afero.Fs, dir string) (in *Buffer, out *Buffer, release func() error, err error) {
	in, err = New(fs, dir, "smime-in-*")
	if err != nil {
		return nil, nil, nil, err
	}
	out, err = New(fs, dir, "smime-out-*")
	if err != nil {
		return nil, nil, nil, errors.Join(err, in.Close())
	}
	return in, out, func() error {
		return errors.Join(in.Close(), out.Close())
	}, nil
}
