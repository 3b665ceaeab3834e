package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
)

func TestFake_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := NewFake("test-model", 16)
	require.Equal(t, "fake", e.Provider())
	require.Equal(t, "test-model", e.Model())
	require.Equal(t, 16, e.Dimension())

	first, err := e.Embed(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	again, err := e.Embed(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Equal(t, first, again)

	// Different texts and different models embed differently.
	require.NotEqual(t, first[0], first[1])
	other, err := NewFake("other-model", 16).Embed(ctx, []string{"hello"})
	require.NoError(t, err)
	require.NotEqual(t, first[0], other[0])

	// Vectors are unit length.
	for _, vec := range first {
		require.Len(t, vec, 16)
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		require.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
	}
}

func TestNewFromManifest(t *testing.T) {
	e, err := NewFromManifest(manifest.Embedding{Provider: "fake", Model: "m", Dimension: 8}, nil)
	require.NoError(t, err)
	require.Equal(t, "fake", e.Provider())

	// OpenAI requires a key.
	_, err = NewFromManifest(manifest.Embedding{Provider: "openai", Model: "m", Dimension: 8}, nil)
	require.Error(t, err)
	require.Equal(t, types.ErrorKindAuth, types.KindOf(err))
	e, err = NewFromManifest(manifest.Embedding{Provider: "openai", Model: "m", Dimension: 8}, map[string]string{"openai": "sk-test"})
	require.NoError(t, err)
	require.Equal(t, "openai", e.Provider())

	_, err = NewFromManifest(manifest.Embedding{Provider: "tfidf", Model: "m", Dimension: 8}, nil)
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}
