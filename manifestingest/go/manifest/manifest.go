// Package manifest defines the ingest manifest schema: what to fetch, how to
// transform and embed it, and where the vectors land.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
	yaml "gopkg.in/yaml.v2"
)

// Defaults applied during validation.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Distance metrics supported by vector stores.
const (
	DistanceCosine = "cosine"
	DistanceDot    = "dot"
	DistanceEuclid = "euclid"
)

// Manifest is one parsed ingest manifest.
type Manifest struct {
	Name        string       `yaml:"name"`
	Version     int          `yaml:"version"`
	Embedding   Embedding    `yaml:"embedding"`
	VectorStore VectorStore  `yaml:"vector_store"`
	Transform   Transform    `yaml:"transform"`
	DataSources []DataSource `yaml:"data_sources"`

	// MetadataKeys enumerates the document metadata keys copied onto
	// points, beyond the identity keys every point carries.
	MetadataKeys []string `yaml:"metadata_keys,omitempty"`
}

// Embedding selects the embedding provider and model.
type Embedding struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// VectorStore locates the target collection.
type VectorStore struct {
	Kind       string `yaml:"kind"`
	URL        string `yaml:"url,omitempty"`
	APIKeyRef  string `yaml:"api_key_ref,omitempty"`
	Collection string `yaml:"collection"`
	Distance   string `yaml:"distance"`
}

// Transform controls chunking and content cleanup.
type Transform struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	StripHTML    bool     `yaml:"strip_html"`
	Enrichers    []string `yaml:"enrichers,omitempty"`
}

// DataSource is one source of documents within a manifest.
type DataSource struct {
	Id     string            `yaml:"id"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, types.NewKindError(types.ErrorKindValidation, skerr.Wrapf(err, "malformed manifest YAML"))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest contract and applies defaults in place. All
// problems are reported at once so a manifest author fixes them in one pass.
func (m *Manifest) Validate() error {
	var rv *multierror.Error
	if m.Name == "" {
		rv = multierror.Append(rv, skerr.Fmt("manifest name is required"))
	}
	if m.Embedding.Provider == "" || m.Embedding.Model == "" {
		rv = multierror.Append(rv, skerr.Fmt("embedding.provider and embedding.model are required"))
	}
	if m.Embedding.Dimension <= 0 {
		rv = multierror.Append(rv, skerr.Fmt("embedding.dimension must be positive"))
	}
	if m.VectorStore.Collection == "" {
		rv = multierror.Append(rv, skerr.Fmt("vector_store.collection is required"))
	}
	switch m.VectorStore.Distance {
	case DistanceCosine, DistanceDot, DistanceEuclid:
	case "":
		m.VectorStore.Distance = DistanceCosine
	default:
		rv = multierror.Append(rv, skerr.Fmt("vector_store.distance %q is not one of cosine, dot, euclid", m.VectorStore.Distance))
	}
	if m.Transform.ChunkSize <= 0 {
		m.Transform.ChunkSize = DefaultChunkSize
	}
	if m.Transform.ChunkOverlap < 0 {
		rv = multierror.Append(rv, skerr.Fmt("transform.chunk_overlap must not be negative"))
	} else {
		if m.Transform.ChunkOverlap == 0 {
			m.Transform.ChunkOverlap = DefaultChunkOverlap
		}
		if m.Transform.ChunkOverlap >= m.Transform.ChunkSize {
			rv = multierror.Append(rv, skerr.Fmt("transform.chunk_overlap must be smaller than chunk_size"))
		}
	}
	if len(m.DataSources) == 0 {
		rv = multierror.Append(rv, skerr.Fmt("at least one data source is required"))
	}
	seen := util.StringSet{}
	for i, ds := range m.DataSources {
		if ds.Id == "" {
			rv = multierror.Append(rv, skerr.Fmt("data_sources[%d].id is required", i))
		} else if seen[ds.Id] {
			rv = multierror.Append(rv, skerr.Fmt("data_sources[%d].id %q is duplicated", i, ds.Id))
		}
		seen[ds.Id] = true
		if ds.Type == "" {
			rv = multierror.Append(rv, skerr.Fmt("data_sources[%d].type is required", i))
		}
	}
	if err := rv.ErrorOrNil(); err != nil {
		return types.NewKindError(types.ErrorKindValidation, err)
	}
	return nil
}

// Encode returns the canonical YAML form of the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return data, nil
}

// PointId returns the deterministic vector point id for one chunk: a sha256
// over the identity of the manifest, data source, document, chunk index, and
// embedding configuration. Re-running the same manifest rewrites the same
// points.
func PointId(manifestName, dataSourceId, sourceDocId string, chunkIndex int, provider, model string) string {
	h := sha256.New()
	for _, part := range []string{manifestName, dataSourceId, sourceDocId, strconv.Itoa(chunkIndex), provider, model} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
