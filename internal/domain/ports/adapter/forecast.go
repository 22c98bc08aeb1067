package adapter

import (
	"context"

	"fin-analysis-service/internal/domain/model"
)

// ForecastRequest is the input to a forecasting backend.
type ForecastRequest struct {
	Model   model.ForecastModel
	History []model.TimeSeriesPoint
	Horizon int
}

// ForecastResult holds exactly Horizon predicted points following the history.
type ForecastResult struct {
	Points []model.TimeSeriesPoint
	MAE    float64
	RMSE   float64
}

// Forecaster is the port for the time-series forecasting backends.
type Forecaster interface {
	Forecast(ctx context.Context, req ForecastRequest) (*ForecastResult, error)
}
