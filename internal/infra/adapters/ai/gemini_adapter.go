package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/ports/adapter"
	"fin-analysis-service/internal/infra/metrics"
)

var _ adapter.ChatProvider = (*GeminiAdapter)(nil)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiAdapter talks to the Gemini API through the genai SDK.
type GeminiAdapter struct {
	models *genai.Models
	model  string
	maxOut int
}

func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, model string, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiAdapter{models: c.Models, model: modelOrDefault(model, defaultGeminiModel), maxOut: maxOut}, nil
}

func (g *GeminiAdapter) Provider() string { return "gemini" }

// CountTokens is a remote call; Gemini has no local tokenizer.
func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	_, turns := splitSystem(messages)
	resp, err := g.models.CountTokens(ctx, modelOrDefault(model, g.model), toGenAIContents(turns), nil)
	if err != nil {
		return 0, fmt.Errorf("gemini: count tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}

// Complete sends the whole conversation in one GenerateContent request.
// System turns become the system instruction.
func (g *GeminiAdapter) Complete(ctx context.Context, model string, messages []adapter.Message, opts adapter.ChatOptions) (string, adapter.Usage, error) {
	model = modelOrDefault(model, g.model)
	system, turns := splitSystem(messages)
	if len(turns) == 0 || !strings.EqualFold(turns[len(turns)-1].Role, adapter.RoleUser) {
		return "", adapter.Usage{}, fmt.Errorf("gemini: conversation must end with a user turn: %w", domain.ErrInvalidArgument)
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, model, toGenAIContents(turns), g.config(system, opts))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveChatUsage(g.Provider(), model, 0, 0, latency, false)
		return "", adapter.Usage{}, classifyGeminiError(err)
	}

	text, u := readGenAIResponse(resp)
	ok := strings.TrimSpace(text) != ""
	metrics.ObserveChatUsage(g.Provider(), model, u.PromptTokens, u.CompletionTokens, latency, ok)
	if !ok {
		return "", u, fmt.Errorf("gemini: empty candidate: %w", domain.ErrLLMBadOutput)
	}
	return text, u, nil
}

// classifyGeminiError mirrors classifyOpenAIError for genai.APIError codes.
func classifyGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code == 0 || code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return fmt.Errorf("gemini: %v: %w", err, domain.ErrLLMUnavailable)
	}
	return fmt.Errorf("gemini http %d: %v: %w", code, err, domain.ErrLLMRejected)
}

func (g *GeminiAdapter) config(system string, opts adapter.ChatOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if n := firstPositive(opts.MaxTokens, g.maxOut); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return cfg
}

func readGenAIResponse(resp *genai.GenerateContentResponse) (string, adapter.Usage) {
	var u adapter.Usage
	if resp == nil {
		return "", u
	}
	if m := resp.UsageMetadata; m != nil {
		u = adapter.Usage{
			PromptTokens:     int(m.PromptTokenCount),
			CompletionTokens: int(m.CandidatesTokenCount),
			TotalTokens:      int(m.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", u
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String(), u
}

func splitSystem(msgs []adapter.Message) (string, []adapter.Message) {
	var sys []string
	turns := make([]adapter.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.EqualFold(m.Role, adapter.RoleSystem) {
			sys = append(sys, m.Content)
		} else {
			turns = append(turns, m)
		}
	}
	return strings.Join(sys, "\n\n"), turns
}

// toGenAIContents maps assistant turns to the "model" role.
func toGenAIContents(msgs []adapter.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role = genai.RoleUser
		if strings.EqualFold(m.Role, adapter.RoleAssistant) {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}
