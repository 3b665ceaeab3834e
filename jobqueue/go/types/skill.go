package types

import "time"

// SkillSourceType describes how a skill bundle is fetched.
type SkillSourceType string

const (
	SkillSourceGit          SkillSourceType = "git"
	SkillSourceObjectBundle SkillSourceType = "object_bundle"
	SkillSourceLocalMirror  SkillSourceType = "local_mirror"
)

// SkillRegistryEntry is one versioned, content-addressed skill bundle in the
// registry. Unique on (SkillName, Version); disabled entries cannot be
// selected for new runs.
type SkillRegistryEntry struct {
	SkillName  string          `json:"skillName"`
	Version    string          `json:"version"`
	SourceType SkillSourceType `json:"sourceType"`
	SourceURI  string          `json:"sourceUri"`

	// ContentHash is the sha256 the fetched artifact must hash to.
	ContentHash string `json:"contentHash"`

	// Signature optionally carries a detached signature to verify in
	// addition to the content hash.
	Signature string `json:"signature,omitempty"`

	Enabled     bool   `json:"enabled"`
	CompatNotes string `json:"compatNotes,omitempty"`
}

// Copy returns a copy of the entry.
func (e *SkillRegistryEntry) Copy() *SkillRegistryEntry {
	rv := new(SkillRegistryEntry)
	*rv = *e
	return rv
}

// Ref returns the "name@version" form used in error messages.
func (e *SkillRegistryEntry) Ref() string {
	return e.SkillName + "@" + e.Version
}

// Checkpoint is the per (manifest, data source) record of cursor and doc
// hashes, persisted only after a successful run.
type Checkpoint struct {
	ManifestName string `json:"manifestName"`
	DataSourceId string `json:"dataSourceId"`

	// Cursor is an adapter-defined opaque resume token.
	Cursor string `json:"cursor,omitempty"`

	// DocHashes maps source doc id -> sha256 of its content at the last
	// successful run.
	DocHashes map[string]string `json:"docHashes"`

	LastRunStarted  time.Time `json:"last_run_started_at"`
	LastRunFinished time.Time `json:"last_run_finished_at"`
	Updated         time.Time `json:"updated_at"`
}

// Copy returns a deep copy of the Checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	rv := new(Checkpoint)
	*rv = *c
	if c.DocHashes != nil {
		rv.DocHashes = make(map[string]string, len(c.DocHashes))
		for k, v := range c.DocHashes {
			rv.DocHashes[k] = v
		}
	}
	return rv
}
