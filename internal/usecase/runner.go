package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"
	"fin-analysis-service/internal/domain/ports/repository"
	"fin-analysis-service/internal/infra/logging"
	"fin-analysis-service/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// AnalysisRunner drives one session through its stage plan.
type AnalysisRunner interface {
	Run(ctx context.Context, sessionID, question string, modelName model.ForecastModel) error
}

var _ AnalysisRunner = (*Runner)(nil)

type RunnerConfig struct {
	ChatModel          string
	Horizon            int
	NewsLimit          int
	DefaultHistoryDays int
	StageTimeout       time.Duration // 0 disables
	NewsTokenBudget    int           // prompt tokens spent on news lines, 0 = unlimited
	ReportTopK         int           // research-report chunks per chat answer
	WebResults         int           // web search hits per chat answer
	WebFreshnessDays   int           // 0 = no limit
}

type Runner struct {
	store      repository.SessionStore
	ai         adapter.ChatProvider
	market     adapter.MarketDataAdapter
	forecaster adapter.Forecaster
	features   repository.FeatureCache   // optional
	reports    adapter.ResearchRetriever // optional
	web        adapter.WebSearcher       // optional
	cfg        RunnerConfig
	log        *zerolog.Logger
	now        func() time.Time
}

func NewRunner(
	store repository.SessionStore,
	ai adapter.ChatProvider,
	market adapter.MarketDataAdapter,
	forecaster adapter.Forecaster,
	features repository.FeatureCache,
	cfg RunnerConfig,
	log *zerolog.Logger,
) *Runner {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30
	}
	if cfg.DefaultHistoryDays <= 0 {
		cfg.DefaultHistoryDays = 365
	}
	if cfg.ReportTopK <= 0 {
		cfg.ReportTopK = 5
	}
	if cfg.WebResults <= 0 {
		cfg.WebResults = 5
	}
	return &Runner{
		store:      store,
		ai:         ai,
		market:     market,
		forecaster: forecaster,
		features:   features,
		cfg:        cfg,
		log:        logging.Component(log, "runner"),
		now:        time.Now,
	}
}

// WithRetrieval adds research-report and web search sources to chat answers.
// Either may be nil.
func (r *Runner) WithRetrieval(reports adapter.ResearchRetriever, web adapter.WebSearcher) *Runner {
	r.reports, r.web = reports, web
	return r
}

var (
	// errAbandoned means the session disappeared (deleted or expired) mid-run.
	errAbandoned = errors.New("session deleted during run")
	// errStageFailed means a stage error was recorded on the session.
	errStageFailed = errors.New("stage failed")
)

// turn carries in-process results between stages of one run.
type turn struct {
	id        string
	question  string
	modelName model.ForecastModel

	history     []model.ConversationMessage
	contextText string
	snapshot    *model.Session

	intent    *model.Intent
	security  model.Security
	points    []model.TimeSeriesPoint
	features  *model.Features
	news      []model.NewsItem
	sentiment sentimentResult
	sources   []model.RAGSource
	web       []model.WebResult
}

// stageResult is a successful stage outcome. degraded marks a recoverable
// shortfall (no news, no features, heuristic sentiment) that lets the run continue.
type stageResult struct {
	message  string
	degraded bool
	apply    func(s *model.Session)
}

type stageFunc func(ctx context.Context, t *turn) (stageResult, error)

// Run never returns stage failures; those are recorded on the session.
// Only store errors that prevent recording anything are returned.
func (r *Runner) Run(ctx context.Context, sessionID, question string, modelName model.ForecastModel) error {
	ctx = logging.WithSessID(ctx, sessionID)
	log := logging.With(ctx, r.log)
	defer logging.TraceDuration(log, "Runner.Run")()

	t := &turn{id: sessionID, question: question, modelName: modelName}
	err := r.run(ctx, t)
	switch {
	case err == nil:
		metrics.IncSessionFinished(string(model.SessionCompleted))
		log.Info().Str("model", string(modelName)).Msg("analysis completed")
		return nil
	case errors.Is(err, errAbandoned):
		metrics.IncSessionFinished("abandoned")
		log.Info().Msg("session gone, run abandoned")
		return nil
	case errors.Is(err, errStageFailed):
		metrics.IncSessionFinished(string(model.SessionFailed))
		log.Warn().Err(err).Msg("analysis failed")
		return nil
	default:
		log.Error().Err(err).Msg("analysis run aborted")
		return err
	}
}

func (r *Runner) run(ctx context.Context, t *turn) error {
	if err := r.stage(ctx, t, model.StageParseIntent, "正在识别用户意图", r.parseIntentStage); err != nil {
		return err
	}
	switch {
	case !t.intent.InScope:
		return r.finish(ctx, t)
	case !t.intent.IsTimeSeries:
		if err := r.stage(ctx, t, model.StageFetchNews, "正在获取相关信息", r.chatInfoStage); err != nil {
			return err
		}
		if err := r.stage(ctx, t, model.StageReport, "正在生成回答", r.chatStage); err != nil {
			return err
		}
		return r.finish(ctx, t)
	}

	steps := []struct {
		id    string
		start string
		fn    stageFunc
	}{
		{model.StageFetchData, "正在获取行情数据", r.fetchDataStage},
		{model.StageAnalyzeFeatures, "正在分析时序特征", r.analyzeFeaturesStage},
		{model.StageFetchNews, "正在获取相关新闻", r.fetchNewsStage},
		{model.StageSentiment, "正在分析市场情绪", r.sentimentStage},
		{model.StagePredict, "正在运行预测模型", r.predictStage},
		{model.StageReport, "正在生成分析报告", r.reportStage},
	}
	for _, st := range steps {
		if err := r.stage(ctx, t, st.id, st.start, st.fn); err != nil {
			return err
		}
	}
	return r.finish(ctx, t)
}

func (r *Runner) stage(ctx context.Context, t *turn, id, startMsg string, fn stageFunc) error {
	log := logging.With(ctx, r.log).With().Str("stage", id).Logger()

	snap, err := r.store.Merge(ctx, t.id, func(s *model.Session) error {
		if id == model.StageParseIntent {
			s.AddConversationMessage(adapter.RoleUser, t.question)
		}
		return s.StartStage(id, startMsg)
	})
	if err != nil {
		return r.abort(ctx, t, id, err)
	}
	t.snapshot = snap
	if id == model.StageParseIntent {
		t.history = priorTurns(snap)
		t.contextText = snap.Context
	}

	start := time.Now()
	res, err := r.invoke(ctx, t, fn)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveStage(id, "error", elapsed)
		msg := failureMessage(err)
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("stage failed")
		if _, merr := r.store.Merge(ctx, t.id, func(s *model.Session) error {
			return s.FailStage(id, msg)
		}); merr != nil {
			return r.abort(ctx, t, id, merr)
		}
		return fmt.Errorf("%s: %w: %v", id, errStageFailed, err)
	}

	outcome := "ok"
	if res.degraded {
		outcome = "degraded"
	}
	metrics.ObserveStage(id, outcome, elapsed)
	log.Debug().Str("outcome", outcome).Dur("elapsed", elapsed).Msg(res.message)

	snap, err = r.store.Merge(ctx, t.id, func(s *model.Session) error {
		if res.apply != nil {
			res.apply(s)
		}
		return s.CompleteStage(id, res.message)
	})
	if err != nil {
		return r.abort(ctx, t, id, err)
	}
	t.snapshot = snap
	return nil
}

// invoke applies the optional stage timeout and turns panics into stage errors.
func (r *Runner) invoke(ctx context.Context, t *turn, fn stageFunc) (res stageResult, err error) {
	if r.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.StageTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage panicked: %v", p)
		}
	}()
	return fn(ctx, t)
}

func (r *Runner) finish(ctx context.Context, t *turn) error {
	_, err := r.store.Merge(ctx, t.id, func(s *model.Session) error {
		if err := s.MarkCompleted(); err != nil {
			return err
		}
		s.AddConversationMessage(adapter.RoleAssistant, s.Conclusion)
		return nil
	})
	return storeErr(err)
}

// abortWriteTimeout bounds the last-chance write after a store failure.
const abortWriteTimeout = 5 * time.Second

// abort handles a store write that failed mid-stage. Unless the session is gone,
// it makes one more attempt to leave the stage in error so pollers see a terminal
// state instead of a run stuck until expiry.
func (r *Runner) abort(ctx context.Context, t *turn, id string, cause error) error {
	err := storeErr(cause)
	if errors.Is(err, errAbandoned) {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortWriteTimeout)
	defer cancel()
	if _, merr := r.store.Merge(wctx, t.id, func(s *model.Session) error {
		return s.AbortStage(id, fmt.Sprintf("会话存储异常，分析中止: %v", cause))
	}); merr != nil {
		logging.With(ctx, r.log).Error().Err(merr).Str("stage", id).Msg("could not record aborted stage")
	}
	return err
}

func storeErr(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return errAbandoned
	}
	return err
}

// priorTurns is the recent history without the question being answered now.
func priorTurns(s *model.Session) []model.ConversationMessage {
	h := s.RecentHistory(historyWindow + 1)
	if len(h) == 0 {
		return nil
	}
	return append([]model.ConversationMessage(nil), h[:len(h)-1]...)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("阶段执行超时: %v", err)
	case errors.Is(err, domain.ErrTickerNotFound):
		return fmt.Sprintf("未找到股票: %v", err)
	case errors.Is(err, domain.ErrDataSourceUnavailable):
		return fmt.Sprintf("行情数据源不可用: %v", err)
	case errors.Is(err, domain.ErrForecastFailed):
		return fmt.Sprintf("预测模型错误: %v", err)
	case errors.Is(err, domain.ErrLLMBadOutput):
		return fmt.Sprintf("大模型返回格式错误: %v", err)
	case errors.Is(err, domain.ErrLLMUnavailable):
		return fmt.Sprintf("大模型服务不可用: %v", err)
	case errors.Is(err, domain.ErrLLMRejected):
		return fmt.Sprintf("大模型请求被拒绝，请检查配置: %v", err)
	default:
		return fmt.Sprintf("内部错误: %v", err)
	}
}

// --- stages ---

func (r *Runner) parseIntentStage(ctx context.Context, t *turn) (stageResult, error) {
	it, err := parseIntent(ctx, r.ai, r.cfg.ChatModel, t.question, t.history, r.cfg.DefaultHistoryDays)
	if err != nil {
		return stageResult{}, err
	}
	t.intent = it

	res := stageResult{apply: func(s *model.Session) {
		cp := *it
		s.Intent = &cp
		s.IsTimeSeries = it.IsTimeSeries
		switch {
		case !it.InScope:
			s.SetPlan(model.RefusalPlan)
			s.Conclusion = it.OutOfScopeReply
		case !it.IsTimeSeries:
			s.SetPlan(model.ChatPlan)
		}
	}}
	switch {
	case !it.InScope:
		res.message = "问题超出服务范围"
	case !it.IsTimeSeries:
		res.message = "识别为对话问答"
	default:
		res.message = fmt.Sprintf("识别为走势分析: %s", firstNonEmpty(it.StockMention, it.Ticker))
	}
	return res, nil
}

func (r *Runner) fetchDataStage(ctx context.Context, t *turn) (stageResult, error) {
	sec, err := r.resolve(ctx, t.intent)
	if err != nil {
		return stageResult{}, err
	}
	end := r.now()
	start := end.AddDate(0, 0, -t.intent.HistoryDays)
	bars, err := r.market.DailyHistory(ctx, sec.Code, start, end)
	if err != nil {
		return stageResult{}, err
	}
	if len(bars) == 0 {
		return stageResult{}, fmt.Errorf("%s no data: %w", sec.Code, domain.ErrTickerNotFound)
	}

	points := make([]model.TimeSeriesPoint, len(bars))
	for i, b := range bars {
		points[i] = model.TimeSeriesPoint{Date: b.Date, Value: b.Close}
	}
	t.security, t.points = sec, points

	return stageResult{
		message: fmt.Sprintf("获取 %s(%s) %d 条日线数据", sec.Name, sec.Code, len(points)),
		apply: func(s *model.Session) {
			s.StockCode, s.StockName = sec.Code, sec.Name
			s.TimeSeriesOriginal = append([]model.TimeSeriesPoint(nil), points...)
			s.TimeSeriesFull = append([]model.TimeSeriesPoint(nil), points...)
		},
	}, nil
}

// resolve tries the model-suggested code first, then the name the user typed.
func (r *Runner) resolve(ctx context.Context, it *model.Intent) (model.Security, error) {
	var lastErr error
	for _, q := range uniqueNonEmpty(it.Ticker, it.StockMention) {
		sec, err := r.market.ResolveSecurity(ctx, q)
		if err == nil {
			return sec, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrTickerNotFound) {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no stock in request: %w", domain.ErrTickerNotFound)
	}
	return model.Security{}, lastErr
}

func (r *Runner) analyzeFeaturesStage(ctx context.Context, t *turn) (stageResult, error) {
	w := model.WindowOf(t.security.Code, t.points)
	if r.features != nil {
		if f, ok := r.features.GetFeatures(ctx, w); ok && f.Points == w.Points {
			t.features = f
			return r.featuresResult(f, "（缓存）"), nil
		}
	}
	f := computeFeatures(t.points)
	t.features = f
	if !f.Empty() && r.features != nil {
		if err := r.features.StoreFeatures(ctx, w, f); err != nil {
			logging.With(ctx, r.log).Warn().Err(err).Msg("feature cache write failed")
		}
	}
	return r.featuresResult(f, ""), nil
}

func (r *Runner) featuresResult(f *model.Features, suffix string) stageResult {
	res := stageResult{apply: func(s *model.Session) {
		cp := *f
		s.Features = &cp
	}}
	if f.Empty() {
		res.degraded = true
		res.message = "数据不足，跳过特征分析"
		return res
	}
	res.message = fmt.Sprintf("趋势 %s，区间收益 %.2f%%，最大回撤 %.2f%%%s", f.Trend, f.TotalReturn*100, f.MaxDrawdown*100, suffix)
	return res
}

func (r *Runner) fetchNewsStage(ctx context.Context, t *turn) (stageResult, error) {
	news, err := r.market.News(ctx, t.security.Code, r.cfg.NewsLimit)
	if err != nil {
		logging.With(ctx, r.log).Warn().Err(err).Msg("news fetch failed, continuing without news")
		news = nil
	}
	t.news = append([]model.NewsItem{}, news...)
	res := stageResult{
		message: fmt.Sprintf("获取 %d 条相关新闻", len(t.news)),
		apply: func(s *model.Session) {
			s.NewsList = append([]model.NewsItem{}, t.news...)
		},
	}
	if err != nil {
		res.degraded = true
		res.message = "新闻获取失败，已跳过"
	} else if len(t.news) == 0 {
		res.degraded = true
		res.message = "未找到相关新闻"
	}
	return res, nil
}

func (r *Runner) sentimentStage(ctx context.Context, t *turn) (stageResult, error) {
	trend := ""
	if t.features != nil {
		trend = t.features.Trend
	}
	var res sentimentResult
	if len(t.news) > 0 {
		var err error
		res, err = llmSentiment(ctx, r.ai, r.cfg.ChatModel, t.news, t.features, r.cfg.NewsTokenBudget)
		if err != nil {
			logging.With(ctx, r.log).Warn().Err(err).Msg("llm sentiment failed, using keyword heuristic")
			res = keywordSentiment(t.news, trend)
		}
	} else {
		res = keywordSentiment(nil, trend)
	}
	t.sentiment = res

	return stageResult{
		message:  fmt.Sprintf("情绪分数 %.2f：%s", res.Score, res.Description),
		degraded: res.Source == EmotionSourceKeywords,
		apply: func(s *model.Session) {
			score := res.Score
			s.Emotion = &score
			s.EmotionDescription = res.Description
			s.EmotionSource = res.Source
		},
	}, nil
}

func (r *Runner) predictStage(ctx context.Context, t *turn) (stageResult, error) {
	out, err := r.forecaster.Forecast(ctx, adapter.ForecastRequest{
		Model:   t.modelName,
		History: t.points,
		Horizon: r.cfg.Horizon,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrForecastFailed) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%v: %w", err, domain.ErrForecastFailed)
		}
		return stageResult{}, err
	}
	if out == nil || len(out.Points) != r.cfg.Horizon {
		n := 0
		if out != nil {
			n = len(out.Points)
		}
		return stageResult{}, fmt.Errorf("%s returned %d points, want %d: %w", t.modelName, n, r.cfg.Horizon, domain.ErrForecastFailed)
	}

	preds := make([]model.TimeSeriesPoint, len(out.Points))
	for i, p := range out.Points {
		p.IsPrediction = true
		preds[i] = p
	}
	summary := model.ForecastSummary{Model: string(t.modelName), Horizon: len(preds), MAE: out.MAE, RMSE: out.RMSE}

	return stageResult{
		message: fmt.Sprintf("%s 预测完成，%s 起共 %d 个交易日", t.modelName, preds[0].Date, len(preds)),
		apply: func(s *model.Session) {
			full := make([]model.TimeSeriesPoint, 0, len(s.TimeSeriesOriginal)+len(preds))
			full = append(full, s.TimeSeriesOriginal...)
			s.TimeSeriesFull = append(full, preds...)
			s.PredictionDone = true
			s.PredictionStartDay = preds[0].Date
			sum := summary
			s.Forecast = &sum
		},
	}, nil
}

func (r *Runner) reportStage(ctx context.Context, t *turn) (stageResult, error) {
	prompt := buildReportPrompt(ctx, r.ai, r.cfg.ChatModel, reportInput{
		Question:  t.question,
		Session:   t.snapshot,
		Sentiment: t.sentiment,
		History:   t.history,
	}, r.cfg.NewsTokenBudget)
	report, err := generateReport(ctx, r.ai, r.cfg.ChatModel, prompt, t.history)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		message: "分析报告已生成",
		apply:   func(s *model.Session) { s.Conclusion = report },
	}, nil
}

// chatInfoStage gathers what a conversational answer can cite: news for a
// mentioned stock, research-report chunks and web search hits.
// Every failure here is recoverable: the answer falls back to history and context.
func (r *Runner) chatInfoStage(ctx context.Context, t *turn) (stageResult, error) {
	var (
		parts    []string
		degraded bool
	)
	note := func(msg string, shortfall bool) {
		parts = append(parts, msg)
		degraded = degraded || shortfall
	}
	log := logging.With(ctx, r.log)

	if firstNonEmpty(t.intent.Ticker, t.intent.StockMention) != "" {
		if sec, err := r.resolve(ctx, t.intent); err != nil {
			log.Warn().Err(err).Msg("chat security lookup failed, answering without news")
			note("未能识别相关股票，已跳过新闻", true)
		} else {
			t.security = sec
			news, err := r.market.News(ctx, sec.Code, r.cfg.NewsLimit)
			switch {
			case err != nil:
				log.Warn().Err(err).Msg("chat news fetch failed, answering without news")
				note("新闻获取失败，已跳过", true)
			case len(news) == 0:
				note("未找到相关新闻", true)
			default:
				t.news = append([]model.NewsItem{}, news...)
				note(fmt.Sprintf("获取 %s 相关新闻 %d 条", sec.Name, len(t.news)), false)
			}
		}
	}
	if t.intent.EnableRAG && r.reports != nil {
		note(r.searchReports(ctx, t))
	}
	if t.intent.EnableSearch && r.web != nil {
		note(r.searchWeb(ctx, t))
	}

	if len(parts) == 0 {
		return stageResult{message: "无需获取额外信息"}, nil
	}
	sec, news, sources := t.security, t.news, t.sources
	return stageResult{
		message:  strings.Join(parts, "；"),
		degraded: degraded,
		apply: func(s *model.Session) {
			if sec.Code != "" {
				s.StockCode, s.StockName = sec.Code, sec.Name
			}
			s.NewsList = append([]model.NewsItem{}, news...)
			s.RagSources = append([]model.RAGSource{}, sources...)
		},
	}, nil
}

// retrievalQuery joins the resolved stock name and keywords, three terms at most.
func retrievalQuery(t *turn, keywords []string) string {
	terms := uniqueNonEmpty(append([]string{t.security.Name}, keywords...)...)
	if len(terms) > 3 {
		terms = terms[:3]
	}
	if len(terms) == 0 {
		return t.question
	}
	return strings.Join(terms, " ")
}

func (r *Runner) searchReports(ctx context.Context, t *turn) (string, bool) {
	log := logging.With(ctx, r.log)
	if !r.reports.Available(ctx) {
		metrics.IncRetrieval("reports", "unavailable")
		log.Debug().Msg("report index unavailable, skipped")
		return "研报库不可用，已跳过", true
	}
	sources, err := r.reports.Search(ctx, retrievalQuery(t, t.intent.RAGKeywords), r.cfg.ReportTopK)
	if err != nil {
		metrics.IncRetrieval("reports", "error")
		log.Warn().Err(err).Msg("report search failed, answering without reports")
		return "研报检索失败，已跳过", true
	}
	if len(sources) == 0 {
		metrics.IncRetrieval("reports", "empty")
		return "未检索到相关研报", true
	}
	metrics.IncRetrieval("reports", "ok")
	t.sources = sources
	return fmt.Sprintf("检索研报 %d 条", len(sources)), false
}

func (r *Runner) searchWeb(ctx context.Context, t *turn) (string, bool) {
	results, err := r.web.Search(ctx, retrievalQuery(t, t.intent.Keywords), r.cfg.WebFreshnessDays, r.cfg.WebResults)
	if err != nil {
		metrics.IncRetrieval("web", "error")
		logging.With(ctx, r.log).Warn().Err(err).Msg("web search failed, answering without it")
		return "网络搜索失败，已跳过", true
	}
	if len(results) == 0 {
		metrics.IncRetrieval("web", "empty")
		return "网络搜索无结果", true
	}
	metrics.IncRetrieval("web", "ok")
	t.web = results
	return fmt.Sprintf("网络搜索 %d 条", len(results)), false
}

func (r *Runner) chatStage(ctx context.Context, t *turn) (stageResult, error) {
	answer, err := answerChat(ctx, r.ai, r.cfg.ChatModel, chatInput{
		Question: t.question,
		Context:  t.contextText,
		Security: t.security,
		News:     t.news,
		Reports:  t.sources,
		Web:      t.web,
		History:  t.history,
	}, r.cfg.NewsTokenBudget)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		message: "回答已生成",
		apply:   func(s *model.Session) { s.Conclusion = answer },
	}, nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func uniqueNonEmpty(vs ...string) []string {
	out := make([]string, 0, len(vs))
	seen := map[string]bool{}
	for _, v := range vs {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
