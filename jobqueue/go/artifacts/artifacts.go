// Package artifacts stores the write-once blobs attached to jobs. The index
// record (types.Artifact) lives in the job store; this package owns the
// bytes.
package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.moonmind.dev/infra/go/skerr"
)

// Store reads and writes artifact blobs keyed by (jobId, name).
type Store interface {
	// Put writes the blob and returns an opaque storage ref. Keys are
	// write-once; Put never overwrites.
	Put(ctx context.Context, jobId, name string, r io.Reader) (storageRef string, size int64, err error)

	// Get opens the blob for reading.
	Get(ctx context.Context, storageRef string) (io.ReadCloser, error)
}

// fsStore keeps blobs under root/<jobId>/<name>.
type fsStore struct {
	root string
}

// NewFSStore returns a filesystem-backed Store rooted at the given
// directory.
func NewFSStore(root string) (Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &fsStore{root: root}, nil
}

// cleanName rejects path traversal in artifact names.
func cleanName(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean != name || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", skerr.Fmt("invalid artifact name %q", name)
	}
	return clean, nil
}

// See docs for Store interface.
func (s *fsStore) Put(ctx context.Context, jobId, name string, r io.Reader) (string, int64, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", 0, err
	}
	path := filepath.Join(s.root, jobId, clean)
	if _, err := os.Stat(path); err == nil {
		return "", 0, skerr.Fmt("artifact %s/%s already exists", jobId, name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, skerr.Wrap(err)
	}
	// Write via a temp file then rename so that a crash mid-write never
	// leaves a partial blob at the final key.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload_*")
	if err != nil {
		return "", 0, skerr.Wrap(err)
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", 0, skerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, skerr.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, skerr.Wrap(err)
	}
	return filepath.Join(jobId, clean), size, nil
}

// See docs for Store interface.
func (s *fsStore) Get(ctx context.Context, storageRef string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(storageRef)))
	if err != nil {
		return nil, skerr.Wrapf(err, "opening artifact %q", storageRef)
	}
	return f, nil
}
