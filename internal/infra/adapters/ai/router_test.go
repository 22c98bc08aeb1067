package ai_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/ports/adapter"
	ai "fin-analysis-service/internal/infra/adapters/ai"
)

type stubProvider struct {
	name      string
	err       error
	calls     int
	counts    int
	lastModel string
}

func (s *stubProvider) Provider() string { return s.name }

func (s *stubProvider) CountTokens(_ context.Context, model string, _ []adapter.Message) (int, error) {
	s.counts++
	s.lastModel = model
	return 1, nil
}

func (s *stubProvider) Complete(_ context.Context, model string, _ []adapter.Message, _ adapter.ChatOptions) (string, adapter.Usage, error) {
	s.calls++
	s.lastModel = model
	if s.err != nil {
		return "", adapter.Usage{}, s.err
	}
	return s.name, adapter.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
}

func TestRouter_Route(t *testing.T) {
	cases := []struct {
		model, preferred, want string
	}{
		{"deepseek-chat", "gemini", "openai"},
		{"gpt-4o-mini", "gemini", "openai"},
		{"gemini-1.5-flash", "openai", "gemini"},
		{"qwen-max", "gemini", "gemini"},
		{"custom-x", "openai", "gemini"},
		{"", "nope", "openai"},
	}
	for _, c := range cases {
		t.Run(c.model+"/"+c.preferred, func(t *testing.T) {
			open := &stubProvider{name: "openai"}
			gem := &stubProvider{name: "gemini"}
			r := ai.NewRouter(c.preferred, []adapter.ChatProvider{open, gem}, map[string]string{"custom-x": "gemini"})

			reply, _, err := r.Complete(context.Background(), c.model, nil, adapter.ChatOptions{})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if reply != c.want {
				t.Fatalf("routed to %q, want %q", reply, c.want)
			}
			if open.calls+gem.calls != 1 {
				t.Fatalf("calls = %d/%d, want exactly one", open.calls, gem.calls)
			}
		})
	}
}

func TestRouter_CountTokensUsesRoutedProvider(t *testing.T) {
	open := &stubProvider{name: "openai"}
	gem := &stubProvider{name: "gemini"}
	r := ai.NewRouter("openai", []adapter.ChatProvider{open, gem}, nil)

	if _, err := r.CountTokens(context.Background(), "gemini-2.0-flash", nil); err != nil {
		t.Fatal(err)
	}
	if gem.counts != 1 || open.counts != 0 || gem.lastModel != "gemini-2.0-flash" {
		t.Fatalf("counts open=%d gem=%d model=%q", open.counts, gem.counts, gem.lastModel)
	}
}

func TestRouter_MissingProviderGetsStandInDefault(t *testing.T) {
	gem := &stubProvider{name: "gemini"}
	r := ai.NewRouter("", []adapter.ChatProvider{gem}, nil)

	reply, _, err := r.Complete(context.Background(), "deepseek-chat", nil, adapter.ChatOptions{})
	if err != nil || reply != "gemini" {
		t.Fatalf("reply=%q err=%v", reply, err)
	}
	if gem.lastModel != "" {
		t.Fatalf("gemini asked for model %q, want its own default", gem.lastModel)
	}

	if _, err := r.CountTokens(context.Background(), "deepseek-chat", nil); err != nil {
		t.Fatal(err)
	}
	if gem.lastModel != "" {
		t.Fatalf("token count used model %q, want its own default", gem.lastModel)
	}

	if _, _, err := r.Complete(context.Background(), "gemini-2.0-flash", nil, adapter.ChatOptions{}); err != nil {
		t.Fatal(err)
	}
	if gem.lastModel != "gemini-2.0-flash" {
		t.Fatalf("routed model = %q", gem.lastModel)
	}
}

func TestRouter_FailoverOnlyWhenUnavailable(t *testing.T) {
	open := &stubProvider{name: "openai", err: fmtUnavailable()}
	gem := &stubProvider{name: "gemini"}
	r := ai.NewRouter("openai", []adapter.ChatProvider{open, gem}, nil)

	reply, _, err := r.Complete(context.Background(), "deepseek-chat", nil, adapter.ChatOptions{})
	if err != nil || reply != "gemini" {
		t.Fatalf("reply=%q err=%v, want gemini fallback", reply, err)
	}
	if gem.lastModel != "" {
		t.Fatalf("fallback got model %q, want its own default", gem.lastModel)
	}

	open.err = domain.ErrLLMBadOutput
	gem.calls = 0
	if _, _, err := r.Complete(context.Background(), "deepseek-chat", nil, adapter.ChatOptions{}); !errors.Is(err, domain.ErrLLMBadOutput) {
		t.Fatalf("err = %v, want bad output passthrough", err)
	}
	if gem.calls != 0 {
		t.Fatal("bad output must not fail over")
	}

	open.err = errors.Join(errors.New("http 401"), domain.ErrLLMRejected)
	if _, _, err := r.Complete(context.Background(), "deepseek-chat", nil, adapter.ChatOptions{}); !errors.Is(err, domain.ErrLLMRejected) {
		t.Fatalf("err = %v, want rejection passthrough", err)
	}
	if gem.calls != 0 {
		t.Fatal("a rejected request must not fail over")
	}
}

func TestRouter_AllUnavailable(t *testing.T) {
	open := &stubProvider{name: "openai", err: fmtUnavailable()}
	gem := &stubProvider{name: "gemini", err: fmtUnavailable()}
	r := ai.NewRouter("", []adapter.ChatProvider{open, gem}, nil)

	_, _, err := r.Complete(context.Background(), "", nil, adapter.ChatOptions{})
	if !errors.Is(err, domain.ErrLLMUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if open.calls != 1 || gem.calls != 1 {
		t.Fatalf("calls = %d/%d", open.calls, gem.calls)
	}

	empty := ai.NewRouter("openai", nil, nil)
	if _, _, err := empty.Complete(context.Background(), "", nil, adapter.ChatOptions{}); !errors.Is(err, domain.ErrLLMUnavailable) {
		t.Fatalf("empty router err = %v", err)
	}
}

func fmtUnavailable() error {
	return errors.Join(errors.New("http 503"), domain.ErrLLMUnavailable)
}

func TestLimitedAI_QueuedCallerHonorsDeadline(t *testing.T) {
	inner := &blockingProvider{release: make(chan struct{}), entered: make(chan struct{})}
	l := ai.NewLimitedAI(inner, 1)

	go func() { _, _, _ = l.Complete(context.Background(), "", nil, adapter.ChatOptions{}) }()
	<-inner.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := l.Complete(ctx, "", nil, adapter.ChatOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline while slot is held", err)
	}
	close(inner.release)
}

func TestLimitedAI_DisabledReturnsInner(t *testing.T) {
	inner := &stubProvider{name: "openai"}
	if got := ai.NewLimitedAI(inner, 0); got != adapter.ChatProvider(inner) {
		t.Fatalf("NewLimitedAI(0) wrapped the provider")
	}
}

type blockingProvider struct {
	stubProvider
	release chan struct{}
	entered chan struct{}
}

func (b *blockingProvider) Complete(context.Context, string, []adapter.Message, adapter.ChatOptions) (string, adapter.Usage, error) {
	close(b.entered)
	<-b.release
	return "ok", adapter.Usage{}, nil
}
