package forecast

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

var _ adapter.Forecaster = (*RemoteForecaster)(nil)

// RemoteForecaster calls the forecasting sidecar that hosts the Prophet, XGBoost,
// RandomForest and DLinear models.
type RemoteForecaster struct {
	client *resty.Client
}

func NewRemoteForecaster(endpoint string, timeout time.Duration) *RemoteForecaster {
	return &RemoteForecaster{
		client: resty.New().
			SetBaseURL(strings.TrimRight(endpoint, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type seriesPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type forecastRequest struct {
	Model   string        `json:"model"`
	Horizon int           `json:"horizon"`
	Series  []seriesPoint `json:"series"`
}

type forecastResponse struct {
	Points []struct {
		Date  string          `json:"date"`
		Value decimal.Decimal `json:"value"`
	} `json:"points"`
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
	Error string  `json:"error"`
}

func (r *RemoteForecaster) Forecast(ctx context.Context, req adapter.ForecastRequest) (*adapter.ForecastResult, error) {
	body := forecastRequest{Model: string(req.Model), Horizon: req.Horizon, Series: make([]seriesPoint, 0, len(req.History))}
	for _, p := range req.History {
		body.Series = append(body.Series, seriesPoint{Date: p.Date, Value: p.Value})
	}

	var out forecastResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(body).
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&out).
		Post("/forecast")
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", req.Model, err, domain.ErrForecastFailed)
	}
	if resp.StatusCode() != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("%s: %s: %w", req.Model, msg, domain.ErrForecastFailed)
	}
	if len(out.Points) != req.Horizon {
		return nil, fmt.Errorf("%s returned %d points, want %d: %w", req.Model, len(out.Points), req.Horizon, domain.ErrForecastFailed)
	}

	res := &adapter.ForecastResult{MAE: out.MAE, RMSE: out.RMSE, Points: make([]model.TimeSeriesPoint, 0, len(out.Points))}
	for _, p := range out.Points {
		res.Points = append(res.Points, model.TimeSeriesPoint{
			Date:         p.Date,
			Value:        p.Value.Round(2).InexactFloat64(),
			IsPrediction: true,
		})
	}
	return res, nil
}
