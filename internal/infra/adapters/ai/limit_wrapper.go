package ai

import (
	"context"

	"fin-analysis-service/internal/domain/ports/adapter"
)

var _ adapter.ChatProvider = (*limitedAI)(nil)

// limitedAI shares a fixed number of provider slots between all analysis
// workers. A caller whose context ends while queued gets ctx.Err().
type limitedAI struct {
	inner adapter.ChatProvider
	slots chan struct{}
}

// NewLimitedAI returns inner unchanged when maxConcurrent is not positive.
func NewLimitedAI(inner adapter.ChatProvider, maxConcurrent int) adapter.ChatProvider {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAI{inner: inner, slots: make(chan struct{}, maxConcurrent)}
}

func (l *limitedAI) Provider() string { return l.inner.Provider() }

// CountTokens is local work and does not queue for a slot.
func (l *limitedAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return l.inner.CountTokens(ctx, model, messages)
}

func (l *limitedAI) Complete(ctx context.Context, model string, messages []adapter.Message, opts adapter.ChatOptions) (reply string, u adapter.Usage, err error) {
	err = l.withSlot(ctx, func() error {
		reply, u, err = l.inner.Complete(ctx, model, messages, opts)
		return err
	})
	return reply, u, err
}

func (l *limitedAI) withSlot(ctx context.Context, fn func() error) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slots }()
	return fn()
}
