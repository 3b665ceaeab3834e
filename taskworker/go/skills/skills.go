// Package skills materializes versioned skill bundles for task runs. Bundles
// are fetched once into a content-addressed cache, verified against the
// registry's content hash, and exposed to each run through a per-run
// skills_active directory with adapter symlinks for the supported runtimes.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	// ActiveDirName is the per-run directory holding materialized skills.
	ActiveDirName = "skills_active"

	// Adapter symlinks created next to skills_active, one per supported
	// runtime layout.
	agentAdapterName  = "agent_skills"
	claudeAdapterName = "claude_skills"
)

// PolicyMode controls which skills a worker will materialize.
type PolicyMode string

const (
	PolicyPermissive PolicyMode = "permissive"
	PolicyAllowlist  PolicyMode = "allowlist"
)

// Policy is the worker-side skill policy.
type Policy struct {
	Mode PolicyMode

	// Allowlist is consulted only in allowlist mode. Entries are skill
	// names, without versions.
	Allowlist []string
}

// Allowed returns true if the policy permits materializing the skill.
func (p Policy) Allowed(skillName string) bool {
	if p.Mode != PolicyAllowlist {
		return true
	}
	return util.In(skillName, p.Allowlist)
}

// Registry resolves skill references to registry entries.
type Registry interface {
	GetSkill(ctx context.Context, name, version string) (*types.SkillRegistryEntry, error)
}

// Materializer fetches, verifies, and caches skill bundles.
type Materializer struct {
	registry Registry
	cacheDir string
	fetcher  *fetcher
	policy   Policy
}

// NewMaterializer returns a Materializer caching under cacheDir.
func NewMaterializer(registry Registry, cacheDir string, policy Policy) (*Materializer, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Materializer{
		registry: registry,
		cacheDir: cacheDir,
		fetcher:  newFetcher(),
		policy:   policy,
	}, nil
}

// ParseRef splits a "name@version" skill reference.
func ParseRef(ref string) (name, version string, err error) {
	i := strings.LastIndex(ref, "@")
	if i <= 0 || i == len(ref)-1 {
		return "", "", types.KindErrorf(types.ErrorKindValidation, "skill reference %q is not name@version", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// MaterializeRun resolves the given selections and lays them out under
// runDir/skills_active, with adapter symlinks next to it. Returns the
// resolved registry entries in selection order.
func (m *Materializer) MaterializeRun(ctx context.Context, runDir string, selections []*types.SkillSelection) ([]*types.SkillRegistryEntry, error) {
	activeDir := filepath.Join(runDir, ActiveDirName)
	if err := os.MkdirAll(activeDir, 0755); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make([]*types.SkillRegistryEntry, 0, len(selections))
	versions := map[string]string{}
	for _, sel := range selections {
		if sel == nil {
			continue
		}
		name, version, err := ParseRef(sel.Id)
		if err != nil {
			return nil, err
		}
		if !m.policy.Allowed(name) {
			return nil, types.KindErrorf(types.ErrorKindPolicy, "skill %q is not in this worker's allowlist", name)
		}
		if prev, ok := versions[name]; ok {
			if prev == version {
				continue
			}
			return nil, types.KindErrorf(types.ErrorKindValidation, "skill %q selected at both %s and %s", name, prev, version)
		}
		versions[name] = version
		entry, err := m.registry.GetSkill(ctx, name, version)
		if err != nil {
			return nil, skerr.Wrapf(err, "failed to resolve skill %s", sel.Id)
		}
		if !entry.Enabled {
			return nil, types.KindErrorf(types.ErrorKindPolicy, "skill %s is disabled in the registry", entry.Ref())
		}
		cached, err := m.ensureCached(ctx, entry)
		if err != nil {
			return nil, err
		}
		// Active-set entries are links into the read-only cache, so runs
		// share bytes without being able to mutate them.
		dest := filepath.Join(activeDir, name)
		if err := os.Symlink(cached, dest); err != nil {
			return nil, skerr.Wrapf(err, "failed to link skill %s into run", entry.Ref())
		}
		rv = append(rv, entry)
	}
	for _, adapter := range []string{agentAdapterName, claudeAdapterName} {
		link := filepath.Join(runDir, adapter)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return nil, skerr.Wrap(err)
		}
		if err := os.Symlink(ActiveDirName, link); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	return rv, nil
}

// ensureCached returns the cache directory for the entry, fetching and
// verifying it if absent. Cache entries are keyed by content hash and made
// read-only once verified.
func (m *Materializer) ensureCached(ctx context.Context, entry *types.SkillRegistryEntry) (string, error) {
	if entry.ContentHash == "" {
		return "", types.KindErrorf(types.ErrorKindIntegrity, "registry entry %s has no content hash", entry.Ref())
	}
	dir := filepath.Join(m.cacheDir, entry.ContentHash)
	marker := dir + ".verified"
	if _, err := os.Stat(marker); err == nil {
		return dir, nil
	}
	sklog.Infof("Fetching skill %s (%s).", entry.Ref(), entry.SourceType)

	// Fetch into a staging dir, verify, then move into place so a crash
	// never leaves a half-fetched entry behind the marker.
	staging, err := os.MkdirTemp(m.cacheDir, "fetch-*")
	if err != nil {
		return "", skerr.Wrap(err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()
	if err := m.fetcher.fetch(ctx, entry, staging); err != nil {
		return "", err
	}
	gotHash, err := HashTree(staging)
	if err != nil {
		return "", err
	}
	if gotHash != entry.ContentHash {
		return "", types.KindErrorf(types.ErrorKindIntegrity, "skill %s content hash mismatch: registry %s, fetched %s", entry.Ref(), entry.ContentHash, gotHash)
	}
	if err := makeReadOnly(staging); err != nil {
		return "", err
	}
	if err := os.Rename(staging, dir); err != nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			// Another run cached it first.
			return dir, nil
		}
		return "", skerr.Wrap(err)
	}
	if err := os.WriteFile(marker, []byte(entry.Ref()+"\n"), 0444); err != nil {
		return "", skerr.Wrap(err)
	}
	return dir, nil
}

// HashTree computes the canonical content hash of a directory tree: sha256
// over the sorted relative paths and file contents.
func HashTree(root string) (string, error) {
	paths := []string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", skerr.Wrap(err)
	}
	sort.Strings(paths)
	h := sha256.New()
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		_, err = io.Copy(h, f)
		util.Close(f)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func makeReadOnly(root string) error {
	return skerr.Wrap(filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0555)
		}
		return os.Chmod(path, 0444)
	}))
}
