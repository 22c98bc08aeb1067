package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/ports/adapter"
	"fin-analysis-service/internal/infra/metrics"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/pkoukk/tiktoken-go"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ChatProvider = (*OpenAIAdapter)(nil)

// OpenAIAdapter talks to any OpenAI-compatible Chat Completions endpoint (DeepSeek by default).
type OpenAIAdapter struct {
	client openai.Client
	model  string
	maxOut int

	encMu sync.Mutex
	encs  map[string]*tiktoken.Tiktoken
}

func NewOpenAIAdapter(apiKey, baseURL, model string, maxOut int, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "deepseek-chat"
	}
	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(append(base, opts...)...),
		model:  model,
		maxOut: maxOut,
		encs:   map[string]*tiktoken.Tiktoken{},
	}, nil
}

func (o *OpenAIAdapter) Provider() string { return "openai" }

// CountTokens uses tiktoken when an encoding is available and a rune estimate otherwise.
func (o *OpenAIAdapter) CountTokens(_ context.Context, model string, messages []adapter.Message) (int, error) {
	enc := o.encoding(modelOrDefault(model, o.model))
	total := 0
	for _, m := range messages {
		total += 4 // per-message framing
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
		} else {
			total += estimateTokens(m.Content)
		}
	}
	return total, nil
}

func (o *OpenAIAdapter) encoding(model string) *tiktoken.Tiktoken {
	o.encMu.Lock()
	defer o.encMu.Unlock()
	if enc, ok := o.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		enc = nil
	}
	o.encs[model] = enc
	return enc
}

func (o *OpenAIAdapter) Complete(ctx context.Context, model string, messages []adapter.Message, opts adapter.ChatOptions) (string, adapter.Usage, error) {
	model = modelOrDefault(model, o.model)
	if len(messages) == 0 {
		return "", adapter.Usage{}, fmt.Errorf("openai: no messages: %w", domain.ErrInvalidArgument)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if n := firstPositive(opts.MaxTokens, o.maxOut); n > 0 {
		params.MaxTokens = openai.Int(int64(n))
	}
	if opts.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveChatUsage(o.Provider(), model, 0, 0, latency, false)
		return "", adapter.Usage{}, classifyOpenAIError(err)
	}

	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	for _, c := range resp.Choices {
		if strings.TrimSpace(c.Message.Content) != "" {
			metrics.ObserveChatUsage(o.Provider(), model, u.PromptTokens, u.CompletionTokens, latency, true)
			return c.Message.Content, u, nil
		}
	}
	metrics.ObserveChatUsage(o.Provider(), model, u.PromptTokens, u.CompletionTokens, latency, false)
	return "", u, fmt.Errorf("openai: no choice content: %w", domain.ErrLLMBadOutput)
}

// classifyOpenAIError reports throttling, 5xx and transport failures as
// unavailable. Other 4xx answers (bad key, unknown model, malformed request)
// will not improve on another provider.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai: %v: %w", err, domain.ErrLLMUnavailable)
	}
	if apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("openai http %d: %w", apiErr.StatusCode, domain.ErrLLMUnavailable)
	}
	return fmt.Errorf("openai http %d: %w", apiErr.StatusCode, domain.ErrLLMRejected)
}

func toOpenAIMessages(msgs []adapter.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case adapter.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case adapter.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// estimateTokens approximates one token per CJK rune and per four other bytes.
func estimateTokens(s string) int {
	cjk, other := 0, 0
	for _, r := range s {
		if r >= 0x2E80 {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}

func firstPositive(vs ...int) int {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
