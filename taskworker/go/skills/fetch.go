package skills

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	cp "github.com/otiai10/copy"
	"go.moonmind.dev/infra/go/exec"
	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// maxBundleFileSize bounds a single file extracted from an object bundle.
const maxBundleFileSize = 256 << 20

// fetcher retrieves skill bundles from their sources.
type fetcher struct {
	client *http.Client
}

func newFetcher() *fetcher {
	return &fetcher{client: httputils.DefaultClient()}
}

func (f *fetcher) fetch(ctx context.Context, entry *types.SkillRegistryEntry, dest string) error {
	switch entry.SourceType {
	case types.SkillSourceGit:
		return f.fetchGit(ctx, entry, dest)
	case types.SkillSourceObjectBundle:
		return f.fetchBundle(ctx, entry, dest)
	case types.SkillSourceLocalMirror:
		return f.fetchLocalMirror(entry, dest)
	default:
		return types.KindErrorf(types.ErrorKindValidation, "unknown skill source type %q", entry.SourceType)
	}
}

// fetchGit clones the source repository at the entry's pinned version into
// dest, then drops the .git directory so only content is hashed.
func (f *fetcher) fetchGit(ctx context.Context, entry *types.SkillRegistryEntry, dest string) error {
	if err := exec.Run(ctx, &exec.Command{
		Name: "git",
		Args: []string{"clone", "--quiet", entry.SourceURI, dest},
	}); err != nil {
		return types.NewKindError(types.ErrorKindTransient, skerr.Wrapf(err, "failed to clone %s", entry.SourceURI))
	}
	if err := exec.Run(ctx, &exec.Command{
		Name: "git",
		Args: []string{"checkout", "--quiet", entry.Version},
		Dir:  dest,
	}); err != nil {
		return types.NewKindError(types.ErrorKindIntegrity, skerr.Wrapf(err, "failed to check out %s of %s", entry.Version, entry.SourceURI))
	}
	return skerr.Wrap(os.RemoveAll(filepath.Join(dest, ".git")))
}

// fetchBundle downloads and extracts a gzipped tarball.
func (f *fetcher) fetchBundle(ctx context.Context, entry *types.SkillRegistryEntry, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.SourceURI, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return types.NewKindError(types.ErrorKindTransient, err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return types.KindErrorf(types.ErrorKindTransient, "bundle fetch of %s returned %d", entry.SourceURI, resp.StatusCode)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return types.NewKindError(types.ErrorKindIntegrity, skerr.Wrapf(err, "bundle %s is not gzip", entry.SourceURI))
	}
	defer util.Close(gz)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return types.NewKindError(types.ErrorKindIntegrity, skerr.Wrapf(err, "bundle %s is malformed", entry.SourceURI))
		}
		name := filepath.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return types.KindErrorf(types.ErrorKindIntegrity, "bundle %s contains unsafe path %q", entry.SourceURI, hdr.Name)
		}
		target := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return skerr.Wrap(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return skerr.Wrap(err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return skerr.Wrap(err)
			}
			_, err = io.Copy(out, io.LimitReader(tr, maxBundleFileSize))
			closeErr := out.Close()
			if err != nil {
				return skerr.Wrap(err)
			}
			if closeErr != nil {
				return skerr.Wrap(closeErr)
			}
		default:
			// Symlinks and special files are not allowed in bundles.
			return types.KindErrorf(types.ErrorKindIntegrity, "bundle %s contains unsupported entry type for %q", entry.SourceURI, hdr.Name)
		}
	}
}

// fetchLocalMirror copies from a path on the worker host.
func (f *fetcher) fetchLocalMirror(entry *types.SkillRegistryEntry, dest string) error {
	src := strings.TrimPrefix(entry.SourceURI, "file://")
	info, err := os.Stat(src)
	if err != nil {
		return types.NewKindError(types.ErrorKindCapability, skerr.Wrapf(err, "local mirror %s is not available on this worker", src))
	}
	if !info.IsDir() {
		return types.KindErrorf(types.ErrorKindValidation, "local mirror %s is not a directory", src)
	}
	return skerr.Wrap(cp.Copy(src, dest))
}
