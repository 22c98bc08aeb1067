//go:build !integration

package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"
	"fin-analysis-service/internal/infra/logging"
	"fin-analysis-service/internal/infra/memstore"
	"fin-analysis-service/internal/infra/worker"
)

// ---- Fakes ----

type fakeAI struct {
	mu        sync.Mutex
	intentErr error
	sentiment string
	reportErr error
	calls     map[string]int
	lastChat  string
}

func (f *fakeAI) Provider() string { return "fake" }
func (f *fakeAI) CountTokens(_ context.Context, _ string, msgs []adapter.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		n += len([]rune(m.Content))
	}
	return n, nil
}

func (f *fakeAI) Complete(_ context.Context, _ string, msgs []adapter.Message, _ adapter.ChatOptions) (string, adapter.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	system, user := msgs[0].Content, msgs[len(msgs)-1].Content
	switch system {
	case intentSystemPrompt:
		f.calls["intent"]++
		if f.intentErr != nil {
			return "", adapter.Usage{}, f.intentErr
		}
		return scriptedIntent(user), adapter.Usage{}, nil
	case sentimentSystemPrompt:
		f.calls["sentiment"]++
		if f.sentiment != "" {
			return f.sentiment, adapter.Usage{}, nil
		}
		return `{"score": 0.45, "description": "市场情绪偏乐观"}`, adapter.Usage{}, nil
	case reportSystemPrompt:
		f.calls["report"]++
		if f.reportErr != nil {
			return "", adapter.Usage{}, f.reportErr
		}
		return "## 分析报告\n\n贵州茅台近期走势**稳健**。", adapter.Usage{}, nil
	case chatSystemPrompt:
		f.calls["chat"]++
		f.lastChat = user
		return "你好，我可以帮你分析 A 股走势。", adapter.Usage{}, nil
	}
	return "", adapter.Usage{}, fmt.Errorf("unexpected prompt: %w", domain.ErrLLMBadOutput)
}

func (f *fakeAI) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeAI) chatPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastChat
}

func scriptedIntent(user string) string {
	switch {
	case strings.Contains(user, "最近两个月"):
		return `{"is_in_scope":true,"is_forecast":true,"stock_mention":"贵州茅台","ticker":"600519","history_days":60,"forecast_horizon":90}`
	case strings.Contains(user, "研报") && strings.Contains(user, "搜索"):
		return `{"is_in_scope":true,"is_forecast":false,"stock_mention":"贵州茅台","ticker":"600519","enable_rag":true,"enable_search":true,"keywords":["三季报"],"rag_keywords":["营收","毛利率"]}`
	case strings.Contains(user, "研报"):
		return `{"is_in_scope":true,"is_forecast":false,"enable_rag":true,"rag_keywords":["白酒","行业景气"]}`
	case strings.Contains(user, "有什么新闻"):
		return `{"is_in_scope":true,"is_forecast":false,"stock_mention":"贵州茅台","ticker":"600519"}`
	case strings.Contains(user, "茅台"):
		return "```json\n{\"is_in_scope\":true,\"is_forecast\":true,\"stock_mention\":\"贵州茅台\",\"ticker\":\"600519\",\"history_days\":365,\"forecast_horizon\":30}\n```"
	case strings.Contains(user, "XYZ999"):
		return `{"is_in_scope":true,"is_forecast":true,"stock_mention":"XYZ999","ticker":"","history_days":365}`
	case strings.Contains(user, "写一首诗"):
		return `{"is_in_scope":false,"is_forecast":false,"out_of_scope_reply":"抱歉，我只能回答金融相关问题。"}`
	default:
		return `{"is_in_scope":true,"is_forecast":false}`
	}
}

type fakeMarket struct {
	newsErr error
	histErr error
	bars    int
	// byRange returns one bar per weekday in [start, end] instead of a fixed count.
	byRange bool
}

func (m *fakeMarket) ResolveSecurity(_ context.Context, q string) (model.Security, error) {
	if q == "600519" || q == "贵州茅台" {
		return model.Security{Code: "600519", Name: "贵州茅台"}, nil
	}
	return model.Security{}, fmt.Errorf("%s: %w", q, domain.ErrTickerNotFound)
}

func (m *fakeMarket) DailyHistory(_ context.Context, code string, start, end time.Time) ([]model.Bar, error) {
	if m.histErr != nil {
		return nil, m.histErr
	}
	if m.byRange {
		var out []model.Bar
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
				continue
			}
			out = append(out, model.Bar{Date: d.Format("2006-01-02"), Close: 1600 + float64(len(out)%17)})
		}
		return out, nil
	}
	n := m.bars
	switch {
	case n < 0:
		return []model.Bar{}, nil
	case n == 0:
		n = 120
	}
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Bar, 0, n)
	for len(out) < n {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		out = append(out, model.Bar{Date: d.Format("2006-01-02"), Close: 1600 + float64(len(out))})
	}
	return out, nil
}

func (m *fakeMarket) News(context.Context, string, int) ([]model.NewsItem, error) {
	if m.newsErr != nil {
		return nil, m.newsErr
	}
	return []model.NewsItem{
		{Title: "贵州茅台业绩增长超预期", Summary: "机构看好后市", Date: "2024-06-01", Source: "证券时报"},
		{Title: "白酒板块震荡", Summary: "短期存在回调风险", Date: "2024-06-02", Source: "财联社"},
	}, nil
}

type fakeReports struct {
	mu          sync.Mutex
	unavailable bool
	err         error
	queries     []string
}

func (f *fakeReports) Available(context.Context) bool { return !f.unavailable }

func (f *fakeReports) Search(_ context.Context, query string, topK int) ([]model.RAGSource, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []model.RAGSource{
		{FileName: "白酒行业深度.pdf", PageNumber: 12, Score: 0.81, Content: "高端白酒需求韧性强，批价企稳"},
	}, nil
}

func (f *fakeReports) searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.queries...)
}

type fakeWeb struct {
	err error
}

func (f *fakeWeb) Search(_ context.Context, query string, days, limit int) ([]model.WebResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.WebResult{{Title: "茅台三季报点评", URL: "https://news.example/mt", Content: "营收同比增长15%"}}, nil
}

type fakeForecaster struct {
	err   error
	short bool
	block bool
	panic bool
}

func (f *fakeForecaster) Forecast(ctx context.Context, req adapter.ForecastRequest) (*adapter.ForecastResult, error) {
	switch {
	case f.panic:
		panic("model blew up")
	case f.block:
		<-ctx.Done()
		return nil, ctx.Err()
	case f.err != nil:
		return nil, f.err
	}
	n := req.Horizon
	if f.short {
		n--
	}
	last, _ := time.Parse("2006-01-02", req.History[len(req.History)-1].Date)
	pts := make([]model.TimeSeriesPoint, n)
	for i := range pts {
		last = last.AddDate(0, 0, 1)
		pts[i] = model.TimeSeriesPoint{Date: last.Format("2006-01-02"), Value: 1700 + float64(i), IsPrediction: true}
	}
	return &adapter.ForecastResult{Points: pts, MAE: 1.2, RMSE: 1.5}, nil
}

// checkingStore verifies session invariants after every write.
type checkingStore struct {
	*memstore.SessionStore
	mu         sync.Mutex
	violations []string
	lastStep   map[string]int
}

func (c *checkingStore) Merge(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	s, err := c.SessionStore.Merge(ctx, id, fn)
	if err == nil {
		c.mu.Lock()
		if verr := s.CheckConsistency(); verr != nil {
			c.violations = append(c.violations, verr.Error())
		}
		if s.Status == model.SessionRunning && s.CurrentStep < c.lastStep[id] {
			c.violations = append(c.violations, fmt.Sprintf("currentStep went back to %d", s.CurrentStep))
		}
		c.lastStep[id] = s.CurrentStep
		c.mu.Unlock()
	}
	return s, err
}

// ---- Harness ----

type harness struct {
	uc     *analysisUC
	store  *checkingStore
	pool   *worker.Pool
	ai     *fakeAI
	market *fakeMarket
	fc     *fakeForecaster
	runner *Runner

	// optional retrieval sources, wired when set
	reports *fakeReports
	web     *fakeWeb
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		store:  &checkingStore{SessionStore: memstore.NewSessionStore(24 * time.Hour), lastStep: map[string]int{}},
		ai:     &fakeAI{},
		market: &fakeMarket{},
		fc:     &fakeForecaster{},
	}
	for _, o := range opts {
		o(h)
	}
	log := logging.Nop()
	h.runner = NewRunner(h.store, h.ai, h.market, h.fc, memstore.NewFeatureCache(time.Hour), RunnerConfig{
		ChatModel: "deepseek-chat", Horizon: 30, NewsLimit: 10, NewsTokenBudget: 2000,
	}, log)
	var (
		reports adapter.ResearchRetriever
		web     adapter.WebSearcher
	)
	if h.reports != nil {
		reports = h.reports
	}
	if h.web != nil {
		web = h.web
	}
	h.runner.WithRetrieval(reports, web)
	h.pool = worker.NewPool(2, 16, log)
	h.pool.Start(context.Background())
	t.Cleanup(h.pool.Stop)
	h.uc = NewAnalysisUseCase(h.store, memstore.NewLocker(), memstore.NewRateLimiter(), h.pool, h.runner, AnalysisConfig{}, log)
	return h
}

func (h *harness) waitTerminal(t *testing.T, id string) *StatusView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		v, err := h.uc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if v.Status.IsTerminal() {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return nil
}

// createAfterUnlock retries while the previous run still holds the session lock.
// The lock is released just after the terminal write, so a fast poller can observe both.
func (h *harness) createAfterUnlock(t *testing.T, req CreateRequest) *CreateResult {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		res, err := h.uc.Create(context.Background(), req)
		if err == nil {
			return res
		}
		if !errors.Is(err, domain.ErrAnalysisInProgress) || time.Now().After(deadline) {
			t.Fatalf("Create: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.violations) > 0 {
		t.Fatalf("invariant violations: %v", h.store.violations)
	}
}
