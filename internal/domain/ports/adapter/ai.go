package adapter

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is what the provider billed for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatOptions tune one completion. Zero values mean provider defaults.
// JSON asks for a single JSON object; the intent parser relies on it.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// ChatProvider is a language model reachable through a chat API.
// An empty model selects the provider's configured default.
type ChatProvider interface {
	Provider() string

	// CountTokens may estimate when the provider has no exact tokenizer.
	CountTokens(ctx context.Context, model string, messages []Message) (int, error)

	// Complete returns the assistant reply. Transport failures, throttling
	// and 5xx answers wrap domain.ErrLLMUnavailable so callers can fail over;
	// other refusals by the provider wrap domain.ErrLLMRejected.
	Complete(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, Usage, error)
}
