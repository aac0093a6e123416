package embeddings

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"bookbot/internal/llm"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	model  openai.EmbeddingModel
	client *openai.Client
}

// NewOpenAIEmbedder creates an embedder for any OpenAI-compatible endpoint;
// baseURL "" targets api.openai.com. SDK retries are disabled because the
// gateway owns retry policy.
func NewOpenAIEmbedder(apiKey, baseURL string, model openai.EmbeddingModel) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	cli := openai.NewClient(opts...)
	return &OpenAIEmbedder{
		model:  model,
		client: &cli,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, req Request) (Result, error) {
	if e == nil || e.client == nil {
		return Result{}, fmt.Errorf("nil openai embedder")
	}
	model := e.model
	if req.Model != "" {
		model = openai.EmbeddingModel(req.Model)
	}

	var raw *http.Response
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(req.Text),
		},
		Model: model,
	}, option.WithResponseInto(&raw))
	if err != nil {
		return Result{}, llm.Classify(err)
	}
	if len(resp.Data) == 0 {
		return Result{}, &llm.ProviderError{Message: "no embedding returned", Transient: true}
	}

	// Convert []float64 to []float32
	embedding := resp.Data[0].Embedding
	vec := make(Vector, len(embedding))
	for i, v := range embedding {
		vec[i] = float32(v)
	}
	return Result{
		Vector:      vec,
		InputTokens: int(resp.Usage.PromptTokens),
		Quota:       llm.QuotaFromHeaders(raw),
	}, nil
}
