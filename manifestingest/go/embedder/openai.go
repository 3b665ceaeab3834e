package embedder

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// embedBatchSize bounds one embeddings API request.
const embedBatchSize = 128

// openAI embeds via the OpenAI embeddings API.
type openAI struct {
	client    *openai.Client
	model     string
	dimension int
}

// NewOpenAI returns an Embedder using the OpenAI embeddings API.
func NewOpenAI(apiKey, model string, dimension int) Embedder {
	return &openAI{
		client:    openai.NewClient(apiKey),
		model:     model,
		dimension: dimension,
	}
}

func (e *openAI) Provider() string { return "openai" }
func (e *openAI) Model() string    { return e.model }
func (e *openAI) Dimension() int   { return e.dimension }

func (e *openAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	rv := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      texts[start:end],
			Model:      openai.EmbeddingModel(e.model),
			Dimensions: e.dimension,
		})
		if err != nil {
			return nil, types.NewKindError(types.ErrorKindTransient, skerr.Wrapf(err, "embeddings request failed"))
		}
		if len(resp.Data) != end-start {
			return nil, types.KindErrorf(types.ErrorKindTransient, "embeddings response has %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			if len(d.Embedding) != e.dimension {
				return nil, types.KindErrorf(types.ErrorKindValidation, "model %s returned dimension %d, manifest expects %d", e.model, len(d.Embedding), e.dimension)
			}
			rv = append(rv, d.Embedding)
		}
	}
	return rv, nil
}
