package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/adapter"

	"github.com/shopspring/decimal"
)

var _ adapter.Forecaster = (*LocalForecaster)(nil)

// LocalForecaster is an in-process fallback used when no sidecar is configured.
// Each model name maps to a trend window and damping factor over a linear fit
// with weekday seasonality; it is not a replacement for the real backends.
type LocalForecaster struct{}

func NewLocalForecaster() *LocalForecaster { return &LocalForecaster{} }

type localParams struct {
	window  int     // trailing points used for the trend fit, 0 = all
	damping float64 // per-step trend decay, 1 = none
	season  bool
}

var localModels = map[model.ForecastModel]localParams{
	model.ModelProphet:      {window: 0, damping: 1, season: true},
	model.ModelXGBoost:      {window: 60, damping: 0.97, season: false},
	model.ModelRandomForest: {window: 40, damping: 0.9, season: false},
	model.ModelDLinear:      {window: 90, damping: 1, season: false},
}

const minHistory = 5

func (l *LocalForecaster) Forecast(ctx context.Context, req adapter.ForecastRequest) (*adapter.ForecastResult, error) {
	p, ok := localModels[req.Model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q: %w", req.Model, domain.ErrForecastFailed)
	}
	if req.Horizon <= 0 {
		return nil, fmt.Errorf("horizon %d: %w", req.Horizon, domain.ErrForecastFailed)
	}
	if len(req.History) < minHistory {
		return nil, fmt.Errorf("need at least %d points, got %d: %w", minHistory, len(req.History), domain.ErrForecastFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hist := req.History
	if p.window > 0 && len(hist) > p.window {
		hist = hist[len(hist)-p.window:]
	}
	ys := make([]float64, len(hist))
	for i, pt := range hist {
		if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) {
			return nil, fmt.Errorf("non-finite value at %s: %w", pt.Date, domain.ErrForecastFailed)
		}
		ys[i] = pt.Value
	}
	slope, intercept := linearFit(ys)

	var season [7]float64
	if p.season {
		season = weekdayEffect(hist, slope, intercept)
	}

	var sumAbs, sumSq float64
	for i, y := range ys {
		fit := intercept + slope*float64(i) + season[weekday(hist[i].Date)]
		d := y - fit
		sumAbs += math.Abs(d)
		sumSq += d * d
	}
	n := float64(len(ys))

	last, err := time.Parse("2006-01-02", req.History[len(req.History)-1].Date)
	if err != nil {
		return nil, fmt.Errorf("bad last date %q: %w", req.History[len(req.History)-1].Date, domain.ErrForecastFailed)
	}
	dates := NextBusinessDays(last, req.Horizon)

	res := &adapter.ForecastResult{
		MAE:    round2(sumAbs / n),
		RMSE:   round2(math.Sqrt(sumSq / n)),
		Points: make([]model.TimeSeriesPoint, 0, req.Horizon),
	}
	level := intercept + slope*float64(len(ys)-1)
	step, decay := slope, 1.0
	for _, d := range dates {
		decay *= p.damping
		level += step * decay
		v := level + season[int(d.Weekday())]
		if v < 0 {
			v = 0
		}
		res.Points = append(res.Points, model.TimeSeriesPoint{
			Date:         d.Format("2006-01-02"),
			Value:        round2(v),
			IsPrediction: true,
		})
	}
	return res, nil
}

// NextBusinessDays returns n Monday-to-Friday dates strictly after from.
func NextBusinessDays(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	d := from
	for len(out) < n {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = append(out, d)
	}
	return out
}

func linearFit(ys []float64) (slope, intercept float64) {
	n := float64(len(ys))
	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

func weekdayEffect(hist []model.TimeSeriesPoint, slope, intercept float64) [7]float64 {
	var sum [7]float64
	var cnt [7]int
	for i, pt := range hist {
		wd := weekday(pt.Date)
		sum[wd] += pt.Value - (intercept + slope*float64(i))
		cnt[wd]++
	}
	var out [7]float64
	for i := range out {
		if cnt[i] > 0 {
			out[i] = sum[i] / float64(cnt[i])
		}
	}
	return out
}

func weekday(date string) int {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0
	}
	return int(t.Weekday())
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
