// Package fsdocs is a data source adapter reading documents from a directory
// tree on the worker host.
package fsdocs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
	"go.moonmind.dev/infra/manifestingest/go/sourcetypes"
)

// defaultExtensions are indexed when the config lists none.
var defaultExtensions = []string{".md", ".txt", ".html", ".rst"}

// maxDocSize bounds a single document read.
const maxDocSize = 8 << 20

// Adapter reads documents from a local directory.
type Adapter struct {
	root       string
	extensions []string
}

// New builds the adapter from manifest config. Recognized keys: "path"
// (required), "extensions" (comma-separated, optional).
func New(ds manifest.DataSource) (sourcetypes.Adapter, error) {
	root := ds.Config["path"]
	if root == "" {
		return nil, types.KindErrorf(types.ErrorKindValidation, "fsdocs source %q requires config.path", ds.Id)
	}
	exts := defaultExtensions
	if s := ds.Config["extensions"]; s != "" {
		exts = nil
		for _, e := range strings.Split(s, ",") {
			e = strings.TrimSpace(e)
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts = append(exts, e)
		}
	}
	return &Adapter{root: root, extensions: exts}, nil
}

// Fetch implements sourcetypes.Adapter. The cursor is unused: local trees
// are cheap to walk in full, and change detection runs off content hashes.
func (a *Adapter) Fetch(ctx context.Context, cursor string, opts sourcetypes.FetchOptions) (*sourcetypes.Snapshot, error) {
	if _, err := os.Stat(a.root); err != nil {
		return nil, types.NewKindError(types.ErrorKindCapability, skerr.Wrapf(err, "fsdocs root %s is not available on this worker", a.root))
	}
	paths := []string{}
	err := filepath.Walk(a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != a.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || info.Size() > maxDocSize {
			return nil
		}
		if util.In(filepath.Ext(path), a.extensions) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sort.Strings(paths)
	snap := &sourcetypes.Snapshot{}
	for _, path := range paths {
		if opts.MaxDocs > 0 && len(snap.Documents) >= opts.MaxDocs {
			snap.Truncated = true
			break
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rel = filepath.ToSlash(rel)
		snap.Documents = append(snap.Documents, &sourcetypes.Document{
			Id:      rel,
			Title:   titleFromPath(rel),
			URI:     "file://" + path,
			Content: string(content),
		})
	}
	return snap, nil
}

func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(strings.ReplaceAll(base, "-", " "), "_", " ")
}
