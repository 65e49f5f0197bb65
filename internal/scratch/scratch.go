package scratch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// ErrSizeChanged is returned when the source yields more bytes than announced.
var ErrSizeChanged = errors.New("upload size changed while staging")

// File is an exclusively owned temporary file. Release deletes it exactly once.
type File struct {
	path string
	size int64

	once       sync.Once
	releaseErr error
}

// Stage copies src into a new temporary file named upload-*<suffix> inside dir (the OS temp
// dir when empty). At most limit bytes are accepted. On failure nothing is left on disk.
func Stage(ctx context.Context, dir, suffix string, src io.Reader, limit int64) (*File, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	tempFile, err := os.CreateTemp(dir, "upload-*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := tempFile.Name()
	fail := func(err error) (*File, error) {
		tempFile.Close()
		_ = os.Remove(path)
		return nil, err
	}

	written, err := copyLimit(tempFile, src, limit)
	if err != nil {
		return fail(err)
	}
	if err := tempFile.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &File{path: path, size: written}, nil
}

// copyLimit copies up to limit+1 bytes and fails if more than limit were available.
func copyLimit(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	n, err := io.CopyN(dst, src, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("write temp file: %w", err)
	}
	if n > limit {
		return n, ErrSizeChanged
	}
	return n, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Size() int64 {
	return f.size
}

// Release deletes the file. Later calls return the first result without touching disk.
func (f *File) Release() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.releaseErr = err
		}
	})
	return f.releaseErr
}
