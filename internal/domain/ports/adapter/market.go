package adapter

import (
	"context"
	"time"

	"fin-analysis-service/internal/domain/model"
)

// MarketDataAdapter is the port for the market-data and news source.
type MarketDataAdapter interface {
	// ResolveSecurity maps a code or a company name to a listed security.
	// Unknown names yield domain.ErrTickerNotFound.
	ResolveSecurity(ctx context.Context, query string) (model.Security, error)
	// DailyHistory returns ascending daily closes in [start, end].
	DailyHistory(ctx context.Context, code string, start, end time.Time) ([]model.Bar, error)
	// News returns at most limit recent items about the security.
	News(ctx context.Context, code string, limit int) ([]model.NewsItem, error)
}
