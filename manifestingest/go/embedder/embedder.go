// Package embedder turns chunk text into vectors.
package embedder

import (
	"context"

	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
)

// Embedder embeds batches of texts. Implementations must return one vector
// per input text, in order, each of Dimension() length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Provider() string
	Model() string
	Dimension() int
}

// NewFromManifest builds the Embedder selected by the manifest's embedding
// block. secrets supplies API keys by reference.
func NewFromManifest(cfg manifest.Embedding, secrets map[string]string) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		key := secrets["openai"]
		if key == "" {
			return nil, types.KindErrorf(types.ErrorKindAuth, "no OpenAI API key configured on this worker")
		}
		return NewOpenAI(key, cfg.Model, cfg.Dimension), nil
	case "fake":
		// Deterministic embeddings for tests and dry environments.
		return NewFake(cfg.Model, cfg.Dimension), nil
	default:
		return nil, types.KindErrorf(types.ErrorKindValidation, "unknown embedding provider %q", cfg.Provider)
	}
}
