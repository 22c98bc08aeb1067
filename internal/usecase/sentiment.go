package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/shopspring/decimal"
)

const (
	EmotionSourceLLM      = "llm"
	EmotionSourceKeywords = "keywords"
)

var (
	positiveWords = []string{"增长", "利好", "看好", "上调", "增持", "受益"}
	negativeWords = []string{"下跌", "风险", "减持", "下调", "亏损", "下滑"}
)

const sentimentSystemPrompt = `你是 A 股市场情绪分析师。根据给出的新闻和技术特征，给出 -1 到 1 之间的情绪分数
（-1 极度悲观，0 中性，1 极度乐观）和一句中文描述。只返回 JSON: {"score": 0.0, "description": "..."}`

type sentimentReply struct {
	Score       *float64 `json:"score"`
	Description string   `json:"description"`
}

type sentimentResult struct {
	Score       float64
	Description string
	Source      string
}

// keywordSentiment never fails: lexicon hits per article, nudged by the price trend.
func keywordSentiment(news []model.NewsItem, trend string) sentimentResult {
	pos, neg := 0, 0
	for _, n := range news {
		text := n.Title + n.Summary
		for _, w := range positiveWords {
			if strings.Contains(text, w) {
				pos++
			}
		}
		for _, w := range negativeWords {
			if strings.Contains(text, w) {
				neg++
			}
		}
	}
	score := 0.0
	if total := pos + neg; total > 0 {
		score = float64(pos-neg) / float64(total)
	}
	switch trend {
	case model.TrendRising:
		score += 0.2
	case model.TrendFalling:
		score -= 0.2
	}
	score = clampScore(score)
	return sentimentResult{Score: score, Description: describeEmotion(score), Source: EmotionSourceKeywords}
}

func describeEmotion(score float64) string {
	switch {
	case score > 0.6:
		return "市场情绪极度看涨，多方占据主导"
	case score > 0.3:
		return "市场情绪偏乐观，买盘较为积极"
	case score > -0.3:
		return "市场情绪中性，观望氛围浓厚"
	case score > -0.6:
		return "市场情绪偏悲观，抛压较重"
	default:
		return "市场情绪极度看跌，恐慌情绪蔓延"
	}
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// llmSentiment asks the model for a score; any failure is returned for the caller to fall back on.
func llmSentiment(ctx context.Context, ai adapter.ChatProvider, chatModel string, news []model.NewsItem, f *model.Features, budget int) (sentimentResult, error) {
	var b strings.Builder
	if !f.Empty() {
		fmt.Fprintf(&b, "技术特征: 趋势=%s, 区间收益=%.2f%%, 年化波动率=%.2f%%, 最大回撤=%.2f%%\n\n",
			f.Trend, f.TotalReturn*100, f.AnnualizedVolatility*100, f.MaxDrawdown*100)
	}
	b.WriteString("新闻:\n")
	b.WriteString(newsDigest(ctx, ai, chatModel, news, budget))

	raw, _, err := ai.Complete(ctx, chatModel, []adapter.Message{
		{Role: adapter.RoleSystem, Content: sentimentSystemPrompt},
		{Role: adapter.RoleUser, Content: b.String()},
	}, adapter.ChatOptions{Temperature: 0.1, JSON: true})
	if err != nil {
		return sentimentResult{}, err
	}
	var rep sentimentReply
	if err := decodeJSONObject(raw, &rep); err != nil {
		return sentimentResult{}, err
	}
	if rep.Score == nil {
		return sentimentResult{}, fmt.Errorf("sentiment reply without score: %w", domain.ErrLLMBadOutput)
	}
	score := clampScore(*rep.Score)
	desc := strings.TrimSpace(rep.Description)
	if desc == "" {
		desc = describeEmotion(score)
	}
	return sentimentResult{Score: score, Description: desc, Source: EmotionSourceLLM}, nil
}

// newsDigest lists news lines until the prompt token budget is spent.
func newsDigest(ctx context.Context, ai adapter.ChatProvider, chatModel string, news []model.NewsItem, budget int) string {
	var b strings.Builder
	used := 0
	for i, n := range news {
		line := fmt.Sprintf("%d. [%s] %s: %s\n", i+1, n.Date, n.Title, n.Summary)
		if budget > 0 {
			tokens, err := ai.CountTokens(ctx, chatModel, []adapter.Message{{Role: adapter.RoleUser, Content: line}})
			if err == nil {
				if used+tokens > budget && i > 0 {
					break
				}
				used += tokens
			}
		}
		b.WriteString(line)
	}
	return b.String()
}
