// Package sourcetypes defines the contract between the ingest engine and
// data source adapters.
package sourcetypes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.moonmind.dev/infra/manifestingest/go/manifest"
)

// Document is one source document as fetched by an adapter.
type Document struct {
	// Id is stable across runs for the same logical document.
	Id string

	Title    string
	URI      string
	Content  string
	Metadata map[string]string
}

// ContentHash returns the sha256 of the document content, used for
// change detection against the checkpoint.
func (d *Document) ContentHash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}

// FetchOptions modify a fetch.
type FetchOptions struct {
	// ForceFull ignores the cursor and returns everything.
	ForceFull bool

	// MaxDocs truncates the result when positive.
	MaxDocs int
}

// Snapshot is the result of one fetch: the current full document set plus
// the adapter's resume cursor. The engine diffs snapshots against the
// checkpoint to decide what changed.
type Snapshot struct {
	Documents []*Document

	// Cursor is an opaque token stored in the checkpoint and handed back on
	// the next fetch.
	Cursor string

	// Truncated is set when MaxDocs cut the snapshot short; deletes are not
	// derived from truncated snapshots.
	Truncated bool
}

// Adapter fetches the current state of one data source.
type Adapter interface {
	// Fetch returns a snapshot of the source. cursor is the checkpoint's
	// stored cursor, empty on the first run.
	Fetch(ctx context.Context, cursor string, opts FetchOptions) (*Snapshot, error)
}

// Factory builds an Adapter from its manifest config.
type Factory func(ds manifest.DataSource) (Adapter, error)
