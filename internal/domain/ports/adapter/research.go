package adapter

import (
	"context"

	"fin-analysis-service/internal/domain/model"
)

// Embedder turns text into a dense vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ResearchRetriever searches indexed research reports.
type ResearchRetriever interface {
	// Available reports whether the index exists and holds any documents.
	Available(ctx context.Context) bool
	Search(ctx context.Context, query string, topK int) ([]model.RAGSource, error)
}

// WebSearcher queries a web search engine. days bounds result freshness, 0 means no limit.
type WebSearcher interface {
	Search(ctx context.Context, query string, days, limit int) ([]model.WebResult, error)
}
