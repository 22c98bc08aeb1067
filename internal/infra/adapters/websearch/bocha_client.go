package websearch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/go-resty/resty/v2"
)

var _ adapter.WebSearcher = (*BochaClient)(nil)

const (
	defaultBaseURL = "https://api.bochaai.com/v1"
	// Bocha caps one page at 50 results.
	maxCount = 50
)

// BochaClient queries the Bocha web search API, which indexes Chinese
// financial media well.
type BochaClient struct {
	client *resty.Client
}

func NewBochaClient(apiKey, baseURL string, timeout time.Duration) *BochaClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &BochaClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetAuthToken(apiKey).
			SetHeader("Content-Type", "application/json"),
	}
}

type searchRequest struct {
	Query     string `json:"query"`
	Freshness string `json:"freshness"`
	Summary   bool   `json:"summary"`
	Count     int    `json:"count"`
}

type searchResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		WebPages struct {
			Value []struct {
				Name            string `json:"name"`
				URL             string `json:"url"`
				Snippet         string `json:"snippet"`
				Summary         string `json:"summary"`
				SiteName        string `json:"siteName"`
				DateLastCrawled string `json:"dateLastCrawled"`
			} `json:"value"`
		} `json:"webPages"`
	} `json:"data"`
}

// freshness maps a day window onto Bocha's fixed buckets.
func freshness(days int) string {
	switch {
	case days <= 0 || days > 365:
		return "noLimit"
	case days <= 1:
		return "oneDay"
	case days <= 7:
		return "oneWeek"
	case days <= 30:
		return "oneMonth"
	default:
		return "oneYear"
	}
}

// Search over-fetches twice the limit since many hits carry no usable text.
func (b *BochaClient) Search(ctx context.Context, query string, days, limit int) ([]model.WebResult, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	var out searchResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(searchRequest{Query: query, Freshness: freshness(days), Summary: true, Count: min(limit*2, maxCount)}).
		SetResult(&out).
		SetError(&out).
		Post("/web-search")
	if err != nil {
		return nil, fmt.Errorf("bocha: %v: %w", err, domain.ErrRetrievalUnavailable)
	}
	if resp.StatusCode() != http.StatusOK || (out.Code != 0 && out.Code != http.StatusOK) {
		msg := out.Msg
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("bocha: %s: %w", msg, domain.ErrRetrievalUnavailable)
	}

	results := make([]model.WebResult, 0, limit)
	for _, v := range out.Data.WebPages.Value {
		content := firstNonEmpty(v.Summary, v.Snippet)
		if v.URL == "" || content == "" {
			continue
		}
		results = append(results, model.WebResult{
			Title:   v.Name,
			URL:     v.URL,
			Content: content,
			Date:    v.DateLastCrawled,
			Site:    v.SiteName,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
