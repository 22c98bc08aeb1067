package memstore

import (
	"context"
	"sync"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/repository"

	"github.com/google/uuid"
)

var (
	_ repository.SessionLocker = (*Locker)(nil)
	_ repository.RateLimiter   = (*RateLimiter)(nil)
	_ repository.FeatureCache  = (*FeatureCache)(nil)
)

type lease struct {
	token     string
	expiresAt time.Time
}

type Locker struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
}

func NewLocker() *Locker {
	return &Locker{held: map[string]lease{}, now: time.Now}
}

func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && l.now().Before(cur.expiresAt) {
		return "", domain.ErrLockNotAcquired
	}
	tok := uuid.NewString()
	l.held[key] = lease{token: tok, expiresAt: l.now().Add(ttl)}
	return tok, nil
}

func (l *Locker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

type window struct {
	count   int
	resetAt time.Time
}

type RateLimiter struct {
	mu   sync.Mutex
	hits map[string]window
	now  func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: map[string]window{}, now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, d time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	w := r.hits[key]
	if !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(d)}
	}
	w.count++
	r.hits[key] = w
	return w.count <= limit, nil
}

type cachedFeatures struct {
	f         model.Features
	expiresAt time.Time
}

type FeatureCache struct {
	mu  sync.Mutex
	m   map[string]cachedFeatures
	ttl time.Duration
	now func() time.Time
}

func NewFeatureCache(ttl time.Duration) *FeatureCache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &FeatureCache{m: map[string]cachedFeatures{}, ttl: ttl, now: time.Now}
}

func (c *FeatureCache) GetFeatures(_ context.Context, w model.FeatureWindow) (*model.Features, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := w.String()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.m, key)
		return nil, false
	}
	f := e.f
	f.Segments = append([]model.TrendSegment(nil), f.Segments...)
	return &f, true
}

func (c *FeatureCache) StoreFeatures(_ context.Context, w model.FeatureWindow, f *model.Features) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *f
	cp.Segments = append([]model.TrendSegment(nil), f.Segments...)
	c.m[w.String()] = cachedFeatures{f: cp, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *FeatureCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now, n := c.now(), 0
	for k, e := range c.m {
		if !now.Before(e.expiresAt) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

// SweepExpired forgets closed windows.
func (r *RateLimiter) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now, n := r.now(), 0
	for k, w := range r.hits {
		if !now.Before(w.resetAt) {
			delete(r.hits, k)
			n++
		}
	}
	return n
}

// SweepExpired forgets lapsed leases.
func (l *Locker) SweepExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now, n := l.now(), 0
	for k, cur := range l.held {
		if !now.Before(cur.expiresAt) {
			delete(l.held, k)
			n++
		}
	}
	return n
}
