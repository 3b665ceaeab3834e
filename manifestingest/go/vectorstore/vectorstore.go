// Package vectorstore abstracts the vector database points are upserted
// into. The memory implementation backs tests; the REST implementation
// speaks the qdrant-style HTTP API.
package vectorstore

import (
	"context"

	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
)

// Point is one vector with its payload.
type Point struct {
	Id      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Copy returns a deep copy of the Point.
func (p Point) Copy() Point {
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	return Point{
		Id:      p.Id,
		Vector:  vec,
		Payload: util.CopyStringMap(p.Payload),
	}
}

// CollectionSpec describes a collection's fixed parameters.
type CollectionSpec struct {
	Name      string
	Dimension int
	Distance  string
}

// Store is the engine's view of a vector database.
type Store interface {
	// EnsureCollection creates the collection if absent. An existing
	// collection with a different dimension or distance is an error: the
	// manifest and the store disagree and upserting would corrupt it.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	// Upsert writes points, replacing same-id points.
	Upsert(ctx context.Context, collection string, points []Point) error

	// DeleteByFilter removes all points whose payload matches every given
	// key/value and returns how many were removed. Implementations which
	// cannot count removals return -1.
	DeleteByFilter(ctx context.Context, collection string, match map[string]string) (int, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)
}

// NewFromManifest builds the Store selected by the manifest's vector_store
// block. secrets supplies API keys by reference.
func NewFromManifest(cfg manifest.VectorStore, secrets map[string]string) (Store, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemory(), nil
	case "", "rest", "qdrant":
		if cfg.URL == "" {
			return nil, types.KindErrorf(types.ErrorKindValidation, "vector_store.url is required for kind %q", cfg.Kind)
		}
		return NewREST(cfg.URL, secrets["vector_store"]), nil
	default:
		return nil, types.KindErrorf(types.ErrorKindValidation, "unknown vector store kind %q", cfg.Kind)
	}
}
