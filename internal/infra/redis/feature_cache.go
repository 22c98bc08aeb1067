package redis

import (
	"context"
	"encoding/json"
	"time"

	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/repository"
	"fin-analysis-service/internal/infra/metrics"

	"github.com/go-redis/redis/v8"
)

var _ repository.FeatureCache = (*FeatureCache)(nil)

// FeatureCache stores computed features per series window.
type FeatureCache struct {
	cli *redis.Client
	ttl time.Duration
}

func NewFeatureCache(c *Client, ttl time.Duration) *FeatureCache {
	return &FeatureCache{cli: c.cli, ttl: ttl}
}

func featureKey(w model.FeatureWindow) string {
	return "analysis_features:" + w.String()
}

func (c *FeatureCache) StoreFeatures(ctx context.Context, w model.FeatureWindow, f *model.Features) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.cli.Set(ctx, featureKey(w), data, c.ttl).Err()
}

// GetFeatures treats every failure as a miss.
func (c *FeatureCache) GetFeatures(ctx context.Context, w model.FeatureWindow) (*model.Features, bool) {
	data, err := c.cli.Get(ctx, featureKey(w)).Bytes()
	if err != nil {
		metrics.IncCacheLookup("features", false)
		return nil, false
	}
	var f model.Features
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.IncCacheLookup("features", false)
		return nil, false
	}
	metrics.IncCacheLookup("features", true)
	return &f, true
}
