package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"
)

const (
	minHistoryDays = 30
	maxHistoryDays = 730
)

const intentSystemPrompt = `你是 A 股金融分析助手的意图识别模块。根据用户问题，一次性判断所有意图信息。

## 服务范围 (is_in_scope)
宽松判断，只对明显无关的问题拒绝：
- in_scope=true: 股票/行情分析与预测、市场新闻、金融常识、闲聊打招呼、关于助手自身的问题。
- in_scope=false: 明确要求非金融服务（写代码、翻译、写诗等）。此时在 out_of_scope_reply 中友好拒绝并说明能力范围。

## 预测判断 (is_forecast)
- true: 要求分析或预测某只股票的走势、价格；要求换模型或改变时间范围重新分析。
- false: 只是追问上一轮结果、查询概念、闲聊。

## 股票提取
- stock_mention: 用户原始提到的股票名称或代码，没有则为空字符串。
- ticker: 若能确定，给出 6 位 A 股代码，否则为空字符串。

## 工具开关
- enable_rag: 用户提到研报、研究报告、机构观点、行业分析时为 true，检索研报知识库。
- enable_search: 用户明确要搜索新闻资讯，或回答需要最新信息时为 true，进行网络搜索。

## 参数
- history_days: 历史数据天数，默认 365（"看半年数据" → 180）。
- keywords: 网络搜索关键词，如 ["贵州茅台 三季报", "白酒 行业"]。
- rag_keywords: 研报检索关键词，如 ["茅台 营收"]。

只返回 JSON:
{
  "is_in_scope": true,
  "is_forecast": true,
  "stock_mention": "",
  "ticker": "",
  "history_days": 365,
  "enable_rag": false,
  "enable_search": false,
  "keywords": [],
  "rag_keywords": [],
  "reason": "判断理由",
  "out_of_scope_reply": null
}`

type intentReply struct {
	InScope         *bool    `json:"is_in_scope"`
	IsForecast      bool     `json:"is_forecast"`
	StockMention    string   `json:"stock_mention"`
	Ticker          string   `json:"ticker"`
	HistoryDays     int      `json:"history_days"`
	EnableRAG       bool     `json:"enable_rag"`
	EnableSearch    bool     `json:"enable_search"`
	Keywords        []string `json:"keywords"`
	RAGKeywords     []string `json:"rag_keywords"`
	Reason          string   `json:"reason"`
	OutOfScopeReply *string  `json:"out_of_scope_reply"`
}

const defaultRefusal = "抱歉，我是金融分析助手，目前只能回答股票行情、走势预测和市场资讯相关的问题。"

func parseIntent(ctx context.Context, ai adapter.ChatProvider, chatModel, message string, history []model.ConversationMessage, defaultHistoryDays int) (*model.Intent, error) {
	msgs := make([]adapter.Message, 0, len(history)+2)
	msgs = append(msgs, adapter.Message{Role: adapter.RoleSystem, Content: intentSystemPrompt})
	for _, h := range history {
		msgs = append(msgs, adapter.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, adapter.Message{Role: adapter.RoleUser, Content: message})

	raw, _, err := ai.Complete(ctx, chatModel, msgs, adapter.ChatOptions{Temperature: 0.1, JSON: true})
	if err != nil {
		return nil, err
	}
	var rep intentReply
	if err := decodeJSONObject(raw, &rep); err != nil {
		return nil, err
	}
	return normalizeIntent(rep, defaultHistoryDays), nil
}

func normalizeIntent(rep intentReply, defaultHistoryDays int) *model.Intent {
	it := &model.Intent{
		InScope:      rep.InScope == nil || *rep.InScope,
		StockMention: strings.TrimSpace(rep.StockMention),
		Ticker:       strings.TrimSpace(rep.Ticker),
		HistoryDays:  rep.HistoryDays,
		EnableRAG:    rep.EnableRAG,
		EnableSearch: rep.EnableSearch,
		Keywords:     uniqueNonEmpty(trimAll(rep.Keywords)...),
		RAGKeywords:  uniqueNonEmpty(trimAll(rep.RAGKeywords)...),
		Reason:       rep.Reason,
	}
	// A forecast needs something to forecast; otherwise answer conversationally.
	it.IsTimeSeries = it.InScope && rep.IsForecast && (it.Ticker != "" || it.StockMention != "")
	if it.HistoryDays <= 0 {
		it.HistoryDays = defaultHistoryDays
	}
	it.HistoryDays = clampInt(it.HistoryDays, minHistoryDays, maxHistoryDays)
	if !it.InScope {
		it.OutOfScopeReply = defaultRefusal
		if rep.OutOfScopeReply != nil && strings.TrimSpace(*rep.OutOfScopeReply) != "" {
			it.OutOfScopeReply = strings.TrimSpace(*rep.OutOfScopeReply)
		}
	}
	return it
}

func trimAll(vs []string) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

// decodeJSONObject tolerates code fences and prose around the first JSON object.
func decodeJSONObject(raw string, out any) error {
	s := strings.TrimSpace(raw)
	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no json object in reply: %w", domain.ErrLLMBadOutput)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), out); err != nil {
		return fmt.Errorf("decode reply: %v: %w", err, domain.ErrLLMBadOutput)
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
