package usecase

import (
	"context"
	"fmt"
	"strings"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"
)

const reportSystemPrompt = `你是资深的 A 股分析师。请用 Markdown 生成自然段格式的分析报告，而非要点列表。

核心要求：
1. 使用自然段陈述，语气连贯流畅
2. 在关键数据、重要结论处使用 **加粗** 标记
3. 保持专业严谨，基于数据和技术指标
4. 明确风险点，并提示预测结果不构成投资建议`

const chatSystemPrompt = `你是 A 股金融分析助手。结合对话历史和用户提供的背景信息，用简洁的中文 Markdown 回答用户问题。
如果问题涉及之前的分析结果，请基于历史内容解释，不要编造数据。
引用研报内容时注明文件名和页码，引用网络搜索结果时附上链接。`

// historyWindow bounds the conversation turns sent with report and chat prompts.
const historyWindow = 10

type reportInput struct {
	Question  string
	Session   *model.Session
	Sentiment sentimentResult
	History   []model.ConversationMessage
}

func buildReportPrompt(ctx context.Context, ai adapter.ChatProvider, chatModel string, in reportInput, newsBudget int) string {
	s := in.Session
	var b strings.Builder
	fmt.Fprintf(&b, "用户问题: %s\n\n", in.Question)
	fmt.Fprintf(&b, "股票: %s (%s)\n", s.StockName, s.StockCode)
	if n := len(s.TimeSeriesOriginal); n > 0 {
		first, last := s.TimeSeriesOriginal[0], s.TimeSeriesOriginal[n-1]
		fmt.Fprintf(&b, "历史区间: %s ~ %s, 收盘 %.2f → %.2f, 共 %d 个交易日\n", first.Date, last.Date, first.Value, last.Value, n)
	}
	if f := s.Features; !f.Empty() {
		fmt.Fprintf(&b, "时序特征: 趋势=%s, 区间收益=%.2f%%, 日波动率=%.2f%%, 年化波动率=%.2f%%, 最大回撤=%.2f%%\n",
			f.Trend, f.TotalReturn*100, f.Volatility*100, f.AnnualizedVolatility*100, f.MaxDrawdown*100)
		for _, seg := range f.Segments {
			fmt.Fprintf(&b, "  阶段 %s ~ %s: %s %.2f%%\n", seg.StartDate, seg.EndDate, seg.Direction, seg.ChangePct)
		}
	}
	if preds := predictedSuffix(s); len(preds) > 0 {
		base := s.TimeSeriesOriginal[len(s.TimeSeriesOriginal)-1].Value
		end := preds[len(preds)-1]
		fmt.Fprintf(&b, "模型预测 (%s, %d 个交易日): %s ~ %s, 终值 %.2f, 相对最新收盘 %+.2f%%\n",
			s.ModelName, len(preds), preds[0].Date, end.Date, end.Value, (end.Value/base-1)*100)
		if s.Forecast != nil {
			fmt.Fprintf(&b, "拟合误差: MAE=%.2f RMSE=%.2f\n", s.Forecast.MAE, s.Forecast.RMSE)
		}
		for i, p := range preds {
			if i >= 7 {
				break
			}
			fmt.Fprintf(&b, "  %s: %.2f\n", p.Date, p.Value)
		}
	}
	fmt.Fprintf(&b, "市场情绪: %.2f (%s)\n", in.Sentiment.Score, in.Sentiment.Description)
	if len(s.NewsList) > 0 {
		b.WriteString("\n相关新闻:\n")
		b.WriteString(newsDigest(ctx, ai, chatModel, s.NewsList, newsBudget))
	}
	if strings.TrimSpace(s.Context) != "" {
		fmt.Fprintf(&b, "\n背景信息:\n%s\n", s.Context)
	}
	return b.String()
}

func predictedSuffix(s *model.Session) []model.TimeSeriesPoint {
	if !s.PredictionDone || len(s.TimeSeriesFull) <= len(s.TimeSeriesOriginal) {
		return nil
	}
	return s.TimeSeriesFull[len(s.TimeSeriesOriginal):]
}

func generateReport(ctx context.Context, ai adapter.ChatProvider, chatModel, prompt string, history []model.ConversationMessage) (string, error) {
	return complete(ctx, ai, chatModel, reportSystemPrompt, prompt, history, 0.3)
}

type chatInput struct {
	Question string
	Context  string
	Security model.Security
	News     []model.NewsItem
	Reports  []model.RAGSource
	Web      []model.WebResult
	History  []model.ConversationMessage
}

// webSnippetRunes bounds each search hit in the prompt; summaries run long.
const webSnippetRunes = 100

func answerChat(ctx context.Context, ai adapter.ChatProvider, chatModel string, in chatInput, newsBudget int) (string, error) {
	var b strings.Builder
	if strings.TrimSpace(in.Context) != "" {
		fmt.Fprintf(&b, "背景信息:\n%s\n\n", in.Context)
	}
	if len(in.Reports) > 0 {
		b.WriteString("=== 研报内容 ===\n")
		for _, r := range in.Reports {
			fmt.Fprintf(&b, "[%s 第%d页]: %s\n", r.FileName, r.PageNumber, r.Content)
		}
		b.WriteString("\n")
	}
	if len(in.Web) > 0 {
		b.WriteString("=== 网络搜索 ===\n")
		for _, w := range in.Web {
			fmt.Fprintf(&b, "[%s](%s): %s\n", w.Title, w.URL, headRunes(w.Content, webSnippetRunes))
		}
		b.WriteString("\n")
	}
	if len(in.News) > 0 {
		fmt.Fprintf(&b, "%s (%s) 相关新闻:\n", in.Security.Name, in.Security.Code)
		b.WriteString(newsDigest(ctx, ai, chatModel, in.News, newsBudget))
		b.WriteString("\n")
	}
	prompt := in.Question
	if b.Len() > 0 {
		prompt = b.String() + "问题: " + in.Question
	}
	return complete(ctx, ai, chatModel, chatSystemPrompt, prompt, in.History, 0.5)
}

func complete(ctx context.Context, ai adapter.ChatProvider, chatModel, system, prompt string, history []model.ConversationMessage, temp float64) (string, error) {
	msgs := make([]adapter.Message, 0, len(history)+2)
	msgs = append(msgs, adapter.Message{Role: adapter.RoleSystem, Content: system})
	for _, h := range history {
		msgs = append(msgs, adapter.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, adapter.Message{Role: adapter.RoleUser, Content: prompt})

	out, _, err := ai.Complete(ctx, chatModel, msgs, adapter.ChatOptions{Temperature: temp})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty report: %w", domain.ErrLLMBadOutput)
	}
	return out, nil
}

func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
