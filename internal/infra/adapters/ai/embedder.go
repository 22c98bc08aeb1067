package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"google.golang.org/genai"
)

var (
	_ adapter.Embedder = (*OpenAIEmbedder)(nil)
	_ adapter.Embedder = (*GeminiEmbedder)(nil)
)

const defaultEmbedModel = "BAAI/bge-m3"

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
// The report index is built with bge-m3, so queries must use the same model.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, opts ...option.RequestOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("embedding api key empty")
	}
	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(append(base, opts...)...),
		model:  modelOrDefault(model, defaultEmbedModel),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %v: %w", err, domain.ErrRetrievalUnavailable)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty vector: %w", domain.ErrRetrievalUnavailable)
	}
	out := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// GeminiEmbedder uses the Gemini embedding models. Dim 0 keeps the model's native size.
type GeminiEmbedder struct {
	models *genai.Models
	model  string
	dim    int32
}

func NewGeminiEmbedder(ctx context.Context, apiKey, baseURL, model string, dim int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiEmbedder{models: c.Models, model: modelOrDefault(model, "gemini-embedding-001"), dim: int32(dim)}, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var cfg *genai.EmbedContentConfig
	if g.dim > 0 {
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &g.dim}
	}
	res, err := g.models.EmbedContent(ctx, g.model, []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %v: %w", err, domain.ErrRetrievalUnavailable)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embed: empty vector: %w", domain.ErrRetrievalUnavailable)
	}
	return res.Embeddings[0].Values, nil
}
