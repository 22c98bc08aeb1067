package research

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/go-resty/resty/v2"
)

var _ adapter.ResearchRetriever = (*QdrantRetriever)(nil)

const (
	// Chunks are indexed with a named dense vector next to the sparse one.
	denseVector  = "dense"
	snippetRunes = 200
	// availabilityTTL spares a collection lookup on every chat turn.
	availabilityTTL = time.Minute
)

// QdrantRetriever searches research-report chunks stored in a Qdrant collection
// through its REST API.
type QdrantRetriever struct {
	client     *resty.Client
	collection string
	embedder   adapter.Embedder

	mu        sync.Mutex
	available bool
	checkedAt time.Time
	now       func() time.Time
}

func NewQdrantRetriever(baseURL, collection, apiKey string, timeout time.Duration, embedder adapter.Embedder) *QdrantRetriever {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetHeader("api-key", apiKey)
	}
	return &QdrantRetriever{client: c, collection: collection, embedder: embedder, now: time.Now}
}

type collectionInfo struct {
	Result struct {
		Status      string `json:"status"`
		PointsCount int64  `json:"points_count"`
	} `json:"result"`
}

// Available is true when the collection exists and holds at least one chunk.
func (q *QdrantRetriever) Available(ctx context.Context) bool {
	q.mu.Lock()
	if !q.checkedAt.IsZero() && q.now().Sub(q.checkedAt) < availabilityTTL {
		ok := q.available
		q.mu.Unlock()
		return ok
	}
	q.mu.Unlock()

	var info collectionInfo
	resp, err := q.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/collections/" + q.collection)
	ok := err == nil && resp.StatusCode() == http.StatusOK && info.Result.PointsCount > 0

	q.mu.Lock()
	q.available, q.checkedAt = ok, q.now()
	q.mu.Unlock()
	return ok
}

type searchRequest struct {
	Vector      namedVector `json:"vector"`
	Limit       int         `json:"limit"`
	WithPayload bool        `json:"with_payload"`
}

type namedVector struct {
	Name   string    `json:"name"`
	Vector []float32 `json:"vector"`
}

type searchResponse struct {
	Result []struct {
		Score   float64 `json:"score"`
		Payload struct {
			Content    string `json:"content"`
			FileName   string `json:"file_name"`
			PageNumber int    `json:"page_number"`
		} `json:"payload"`
	} `json:"result"`
	Status any `json:"status"`
}

func (q *QdrantRetriever) Search(ctx context.Context, query string, topK int) ([]model.RAGSource, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}
	vec, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var out searchResponse
	resp, err := q.client.R().
		SetContext(ctx).
		SetBody(searchRequest{Vector: namedVector{Name: denseVector, Vector: vec}, Limit: topK, WithPayload: true}).
		SetResult(&out).
		Post("/collections/" + q.collection + "/points/search")
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %v: %w", err, domain.ErrRetrievalUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("qdrant search: %s: %w", resp.Status(), domain.ErrRetrievalUnavailable)
	}

	sources := make([]model.RAGSource, 0, len(out.Result))
	for _, hit := range out.Result {
		if strings.TrimSpace(hit.Payload.Content) == "" {
			continue
		}
		sources = append(sources, model.RAGSource{
			FileName:   hit.Payload.FileName,
			PageNumber: hit.Payload.PageNumber,
			Score:      hit.Score,
			Content:    truncateRunes(hit.Payload.Content, snippetRunes),
		})
	}
	return sources, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
