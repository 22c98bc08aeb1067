package ai

import (
	"context"
	"errors"
	"strings"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/ports/adapter"
	"fin-analysis-service/internal/infra/metrics"
)

var _ adapter.ChatProvider = (*Router)(nil)

// Router picks a provider from the requested model name and, when that
// provider is unavailable, hands the request to the others in registration
// order. Only the routed provider sees the caller's model name; fallbacks
// answer with their own configured model.
type Router struct {
	preferred string
	providers []adapter.ChatProvider
	byName    map[string]adapter.ChatProvider
	aliases   map[string]string // model name -> provider name
}

// NewRouter keeps providers in the given order. preferred serves model names
// that no alias or prefix rule claims; an unknown preferred falls back to the
// first provider.
func NewRouter(preferred string, providers []adapter.ChatProvider, aliases map[string]string) *Router {
	r := &Router{
		providers: providers,
		byName:    make(map[string]adapter.ChatProvider, len(providers)),
		aliases:   aliases,
	}
	for _, p := range providers {
		r.byName[p.Provider()] = p
	}
	r.preferred = strings.ToLower(preferred)
	if _, ok := r.byName[r.preferred]; !ok && len(providers) > 0 {
		r.preferred = providers[0].Provider()
	}
	return r
}

func (r *Router) Provider() string { return "router" }

func (r *Router) route(model string) string {
	if p, ok := r.aliases[model]; ok {
		return strings.ToLower(p)
	}
	switch m := strings.ToLower(model); {
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "deepseek"), strings.HasPrefix(m, "o1"):
		return "openai"
	}
	return r.preferred
}

// chain returns the routed provider followed by every other provider.
// routed is false when the provider owning model is not registered and the
// preferred provider stands in; the model name then means nothing to c[0].
func (r *Router) chain(model string) (c []adapter.ChatProvider, routed bool) {
	out := make([]adapter.ChatProvider, 0, len(r.providers))
	first, ok := r.byName[r.route(model)]
	if !ok {
		first = r.byName[r.preferred]
	}
	if first != nil {
		out = append(out, first)
	}
	for _, p := range r.providers {
		if p != first {
			out = append(out, p)
		}
	}
	return out, ok
}

func (r *Router) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	c, routed := r.chain(model)
	if len(c) == 0 {
		return 0, nil
	}
	if !routed {
		model = ""
	}
	return c[0].CountTokens(ctx, model, messages)
}

// Complete fails over only on domain.ErrLLMUnavailable. A bad answer or a
// cancelled context is returned as is.
func (r *Router) Complete(ctx context.Context, model string, messages []adapter.Message, opts adapter.ChatOptions) (string, adapter.Usage, error) {
	c, routed := r.chain(model)
	if len(c) == 0 {
		return "", adapter.Usage{}, domain.ErrLLMUnavailable
	}
	var err error
	for i, p := range c {
		name := model
		if i > 0 {
			metrics.IncFailover(c[i-1].Provider(), p.Provider())
		}
		if i > 0 || !routed {
			name = ""
		}
		var (
			reply string
			u     adapter.Usage
		)
		reply, u, err = p.Complete(ctx, name, messages, opts)
		if err == nil {
			return reply, u, nil
		}
		if !errors.Is(err, domain.ErrLLMUnavailable) || ctx.Err() != nil {
			break
		}
	}
	return "", adapter.Usage{}, err
}
