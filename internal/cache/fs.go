package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ociassemble/ociassemble/internal/digest"
)

// FSStore is the local, persistent blob cache: a shared directory of
// validated blob files addressed by digest. It is process external and
// outlives any one materialization.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem cache store rooted at root.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

// Init ensures the root directory exists.
func (f *FSStore) Init(_ context.Context) error {
	return os.MkdirAll(f.root, 0o755)
}

// Path returns the on-disk path a validated blob for d would live at:
// <cache>/<digest>.tar.
func (f *FSStore) Path(d digest.Digest) string {
	return filepath.Join(f.root, d.String()+".tar")
}

// Head reports whether a blob file for d exists and hashes correctly.
// An existing-but-corrupt file is deleted and reported absent: an entry
// is valid only if its content still hashes to d.
func (f *FSStore) Head(ctx context.Context, d digest.Digest) (bool, error) {
	return f.Validate(ctx, d)
}

// Validate checks an existing cache file's content against d, deleting it
// on mismatch. It returns false, nil for both "absent" and "was corrupt
// and has now been removed" — callers always re-fetch in either case.
func (f *FSStore) Validate(_ context.Context, d digest.Digest) (bool, error) {
	path := f.Path(d)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	if err := digest.VerifyReader(file, d); err != nil {
		os.Remove(path)
		return false, nil
	}
	return true, nil
}

// Get opens a validated blob for reading.
func (f *FSStore) Get(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	return os.Open(f.Path(d))
}

// Put writes a blob already verified by the caller against d, atomically,
// via temp-file-then-rename — the only cross-process synchronization
// primitive the cache needs.
func (f *FSStore) Put(_ context.Context, d digest.Digest, body io.Reader, _ int64) error {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := f.OpenTemp()
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return f.Commit(tmp.Name(), d)
}

// OpenTemp creates a new .partial-<uuid> file in the cache root for
// streaming a download into. The file name does not carry the digest the
// download is destined for.
func (f *FSStore) OpenTemp() (*os.File, error) {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	name := filepath.Join(f.root, ".partial-"+uuid.NewString())
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// Commit atomically renames a completed temp file into place as d's cache
// entry. Any stale entry at the destination is replaced.
func (f *FSStore) Commit(tmpPath string, d digest.Digest) error {
	return os.Rename(tmpPath, f.Path(d))
}

// Discard removes a partial download, used on cancellation or error.
func (f *FSStore) Discard(tmpPath string) error {
	err := os.Remove(tmpPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
