package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var _ adapter.MarketDataAdapter = (*AKShareClient)(nil)

var codePattern = regexp.MustCompile(`^\d{6}$`)

const (
	catalogTTL = 24 * time.Hour
	// AKTools proxies scraped endpoints that start refusing bursts quickly.
	defaultRequestsPerSecond = 5
)

// AKShareClient reads A-share data through the AKTools HTTP bridge
// (GET /api/public/<akshare function>?<params>).
type AKShareClient struct {
	client  *resty.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	catalog   []model.Security
	catalogAt time.Time
	now       func() time.Time
}

// Option customizes an AKShareClient.
type Option func(*AKShareClient)

// WithRateLimit caps outbound requests per second; n <= 0 removes the cap.
func WithRateLimit(n int) Option {
	return func(a *AKShareClient) {
		if n <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
}

func NewAKShareClient(baseURL string, timeout time.Duration, opts ...Option) *AKShareClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	a := &AKShareClient{
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type histRow struct {
	Date  string      `json:"日期"`
	Close json.Number `json:"收盘"`
}

type newsRow struct {
	Title   string `json:"新闻标题"`
	Content string `json:"新闻内容"`
	Time    string `json:"发布时间"`
	Source  string `json:"文章来源"`
	URL     string `json:"新闻链接"`
}

type codeNameRow struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// ResolveSecurity accepts a 6-digit code (optionally prefixed sh/sz) or a company name.
func (a *AKShareClient) ResolveSecurity(ctx context.Context, query string) (model.Security, error) {
	q := normalizeQuery(query)
	if q == "" {
		return model.Security{}, fmt.Errorf("empty stock query: %w", domain.ErrTickerNotFound)
	}
	catalog, err := a.loadCatalog(ctx)
	if codePattern.MatchString(q) {
		for _, s := range catalog {
			if s.Code == q {
				return s, nil
			}
		}
		if err != nil {
			// Catalog unavailable: trust the code, history fetch will confirm it.
			return model.Security{Code: q, Name: q}, nil
		}
		return model.Security{}, fmt.Errorf("%s: %w", q, domain.ErrTickerNotFound)
	}
	if err != nil {
		return model.Security{}, err
	}

	// Names containing the query win over names the query contains.
	var forward, reverse []model.Security
	for _, s := range catalog {
		name := strings.ReplaceAll(s.Name, " ", "")
		switch {
		case name == "":
			continue
		case name == q:
			return s, nil
		case strings.Contains(name, q):
			forward = append(forward, s)
		case strings.Contains(q, name):
			reverse = append(reverse, s)
		}
	}
	if len(forward) > 0 {
		return shortestName(forward), nil
	}
	if len(reverse) > 0 {
		// Longest contained name is the most specific match.
		sort.SliceStable(reverse, func(i, j int) bool {
			return len([]rune(reverse[i].Name)) > len([]rune(reverse[j].Name))
		})
		return reverse[0], nil
	}
	return model.Security{}, fmt.Errorf("%s: %w", query, domain.ErrTickerNotFound)
}

func shortestName(secs []model.Security) model.Security {
	sort.SliceStable(secs, func(i, j int) bool {
		return len([]rune(secs[i].Name)) < len([]rune(secs[j].Name))
	})
	return secs[0]
}

func (a *AKShareClient) loadCatalog(ctx context.Context) ([]model.Security, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.catalog) > 0 && a.now().Sub(a.catalogAt) < catalogTTL {
		return a.catalog, nil
	}
	var rows []codeNameRow
	if err := a.get(ctx, "stock_info_a_code_name", nil, &rows); err != nil {
		return a.catalog, err
	}
	out := make([]model.Security, 0, len(rows))
	for _, r := range rows {
		name := strings.TrimSpace(r.Name)
		if r.Code != "" && name != "" {
			out = append(out, model.Security{Code: r.Code, Name: name})
		}
	}
	a.catalog, a.catalogAt = out, a.now()
	return out, nil
}

// DailyHistory returns forward-adjusted daily closes sorted by date, deduplicated.
func (a *AKShareClient) DailyHistory(ctx context.Context, code string, start, end time.Time) ([]model.Bar, error) {
	var rows []histRow
	err := a.get(ctx, "stock_zh_a_hist", map[string]string{
		"symbol":     code,
		"period":     "daily",
		"start_date": start.Format("20060102"),
		"end_date":   end.Format("20060102"),
		"adjust":     "qfq",
	}, &rows)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	bars := make([]model.Bar, 0, len(rows))
	for _, r := range rows {
		date := normalizeDate(r.Date)
		if date == "" || seen[date] {
			continue
		}
		px, err := decimal.NewFromString(r.Close.String())
		if err != nil {
			continue
		}
		seen[date] = true
		bars = append(bars, model.Bar{Date: date, Close: px.Round(2).InexactFloat64()})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

func (a *AKShareClient) News(ctx context.Context, code string, limit int) ([]model.NewsItem, error) {
	var rows []newsRow
	if err := a.get(ctx, "stock_news_em", map[string]string{"symbol": code}, &rows); err != nil {
		return nil, err
	}
	out := make([]model.NewsItem, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.Title) == "" {
			continue
		}
		out = append(out, model.NewsItem{
			Title:   strings.TrimSpace(r.Title),
			Summary: truncateRunes(strings.TrimSpace(r.Content), 200),
			Date:    normalizeDate(r.Time),
			Source:  r.Source,
			URL:     r.URL,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *AKShareClient) get(ctx context.Context, fn string, params map[string]string, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", fn, err)
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/api/public/" + fn)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", fn, err, domain.ErrDataSourceUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: http %d: %w", fn, resp.StatusCode(), domain.ErrDataSourceUnavailable)
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %v: %w", fn, err, domain.ErrDataSourceUnavailable)
	}
	return nil
}

func normalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	l := strings.ToLower(q)
	for _, p := range []string{"sh", "sz", "bj"} {
		if strings.HasPrefix(l, p) && codePattern.MatchString(l[len(p):]) {
			return l[len(p):]
		}
	}
	if i := strings.IndexByte(q, '.'); i == 6 && codePattern.MatchString(q[:6]) {
		return q[:6]
	}
	return strings.ReplaceAll(q, " ", "")
}

// normalizeDate keeps the YYYY-MM-DD prefix of AKTools timestamps.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 10 {
		if _, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return s[:10]
		}
	}
	if len(s) == 8 {
		if t, err := time.Parse("20060102", s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
