package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// fake produces deterministic unit vectors derived from the text, so change
// detection and point identity can be tested without a provider.
type fake struct {
	model     string
	dimension int
}

// NewFake returns a deterministic Embedder for tests.
func NewFake(model string, dimension int) Embedder {
	return &fake{model: model, dimension: dimension}
}

func (e *fake) Provider() string { return "fake" }
func (e *fake) Model() string    { return e.model }
func (e *fake) Dimension() int   { return e.dimension }

func (e *fake) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	rv := make([][]float32, 0, len(texts))
	for _, text := range texts {
		seed := sha256.Sum256([]byte(e.model + "\x00" + text))
		vec := make([]float32, e.dimension)
		var norm float64
		for i := range vec {
			// Stretch the 32-byte seed over the whole vector.
			word := binary.BigEndian.Uint32(seed[(i*4)%28:]) + uint32(i)*2654435761
			v := float32(word%1000)/500.0 - 1.0
			if v == 0 {
				v = 0.5
			}
			vec[i] = v
			norm += float64(v) * float64(v)
		}
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
		rv = append(rv, vec)
	}
	return rv, nil
}
