package repository

import (
	"context"
	"time"

	"fin-analysis-service/internal/domain/model"
)

// SessionStore persists analysis sessions keyed by session ID.
// Every write refreshes the retention window. Reads after expiry return domain.ErrNotFound.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	// Merge applies fn to the current record and writes the result atomically.
	// A missing record yields domain.ErrNotFound; Merge never recreates one.
	Merge(ctx context.Context, id string, fn func(s *model.Session) error) (*model.Session, error)
	Delete(ctx context.Context, id string) error
}

// SessionLocker guards a session against two concurrent runners.
type SessionLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// FeatureCache memoizes computed features per series window.
type FeatureCache interface {
	GetFeatures(ctx context.Context, w model.FeatureWindow) (*model.Features, bool)
	StoreFeatures(ctx context.Context, w model.FeatureWindow, f *model.Features) error
}

// RateLimiter counts requests in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
