package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const validYAML = `
name: docs-index
version: 1
embedding:
  provider: openai
  model: text-embedding-3-small
  dimension: 1536
vector_store:
  kind: memory
  collection: docs
transform:
  chunk_size: 800
  chunk_overlap: 100
metadata_keys:
  - title
  - uri
data_sources:
  - id: handbook
    type: fsdocs
    config:
      path: /srv/handbook
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	require.Equal(t, "docs-index", m.Name)
	require.Equal(t, 1536, m.Embedding.Dimension)
	require.Equal(t, 800, m.Transform.ChunkSize)
	// Distance defaults to cosine.
	require.Equal(t, DistanceCosine, m.VectorStore.Distance)
	require.Equal(t, []string{"title", "uri"}, m.MetadataKeys)
	require.Len(t, m.DataSources, 1)
	require.Equal(t, "/srv/handbook", m.DataSources[0].Config["path"])
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte(validYAML + "\nsurprise: true\n"))
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}

func TestValidate_Defaults(t *testing.T) {
	m := &Manifest{
		Name:        "docs-index",
		Embedding:   Embedding{Provider: "openai", Model: "text-embedding-3-small", Dimension: 8},
		VectorStore: VectorStore{Collection: "docs"},
		DataSources: []DataSource{{Id: "a", Type: "fsdocs"}},
	}
	require.NoError(t, m.Validate())
	require.Equal(t, DefaultChunkSize, m.Transform.ChunkSize)
	require.Equal(t, DefaultChunkOverlap, m.Transform.ChunkOverlap)
	require.Equal(t, DistanceCosine, m.VectorStore.Distance)
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Manifest {
		return &Manifest{
			Name:        "docs-index",
			Embedding:   Embedding{Provider: "openai", Model: "m", Dimension: 8},
			VectorStore: VectorStore{Collection: "docs"},
			DataSources: []DataSource{{Id: "a", Type: "fsdocs"}},
		}
	}
	for name, breakIt := range map[string]func(*Manifest){
		"missing name":         func(m *Manifest) { m.Name = "" },
		"missing provider":     func(m *Manifest) { m.Embedding.Provider = "" },
		"zero dimension":       func(m *Manifest) { m.Embedding.Dimension = 0 },
		"missing collection":   func(m *Manifest) { m.VectorStore.Collection = "" },
		"bad distance":         func(m *Manifest) { m.VectorStore.Distance = "manhattan" },
		"negative overlap":     func(m *Manifest) { m.Transform.ChunkOverlap = -1 },
		"overlap >= size":      func(m *Manifest) { m.Transform.ChunkSize = 100; m.Transform.ChunkOverlap = 100 },
		"no sources":           func(m *Manifest) { m.DataSources = nil },
		"source missing id":    func(m *Manifest) { m.DataSources[0].Id = "" },
		"source missing type":  func(m *Manifest) { m.DataSources[0].Type = "" },
		"duplicate source ids": func(m *Manifest) { m.DataSources = append(m.DataSources, m.DataSources[0]) },
	} {
		m := base()
		breakIt(m)
		err := m.Validate()
		require.Error(t, err, name)
		require.Equal(t, types.ErrorKindValidation, types.KindOf(err), name)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	data, err := m.Encode()
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, m, again)
}

func TestPointId(t *testing.T) {
	id := PointId("docs-index", "handbook", "intro.md", 0, "openai", "text-embedding-3-small")
	require.Len(t, id, 64)
	// Deterministic.
	require.Equal(t, id, PointId("docs-index", "handbook", "intro.md", 0, "openai", "text-embedding-3-small"))
	// Every identity component participates.
	require.NotEqual(t, id, PointId("other", "handbook", "intro.md", 0, "openai", "text-embedding-3-small"))
	require.NotEqual(t, id, PointId("docs-index", "other", "intro.md", 0, "openai", "text-embedding-3-small"))
	require.NotEqual(t, id, PointId("docs-index", "handbook", "other.md", 0, "openai", "text-embedding-3-small"))
	require.NotEqual(t, id, PointId("docs-index", "handbook", "intro.md", 1, "openai", "text-embedding-3-small"))
	require.NotEqual(t, id, PointId("docs-index", "handbook", "intro.md", 0, "other", "text-embedding-3-small"))
	require.NotEqual(t, id, PointId("docs-index", "handbook", "intro.md", 0, "openai", "other"))
	// Field boundaries are delimited: shifting a byte across them changes
	// the id.
	require.NotEqual(t,
		PointId("ab", "c", "d", 0, "p", "m"),
		PointId("a", "bc", "d", 0, "p", "m"))
}
