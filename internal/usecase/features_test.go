//go:build !integration

package usecase

import (
	"testing"
	"time"

	"fin-analysis-service/internal/domain/model"
)

func series(vals ...float64) []model.TimeSeriesPoint {
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.TimeSeriesPoint, len(vals))
	for i, v := range vals {
		out[i] = model.TimeSeriesPoint{Date: d.AddDate(0, 0, i).Format("2006-01-02"), Value: v}
	}
	return out
}

func ramp(from, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + step*float64(i)
	}
	return out
}

func TestComputeFeatures_LinearRise(t *testing.T) {
	f := computeFeatures(series(ramp(100, 1, 100)...))
	if f.Trend != model.TrendRising || f.Points != 100 {
		t.Fatalf("trend=%s points=%d", f.Trend, f.Points)
	}
	if f.TotalReturn != 0.99 || f.MaxDrawdown != 0 {
		t.Fatalf("return=%v drawdown=%v", f.TotalReturn, f.MaxDrawdown)
	}
	if len(f.Segments) != 1 {
		t.Fatalf("segments = %+v", f.Segments)
	}
	seg := f.Segments[0]
	if seg.StartPrice != 100 || seg.EndPrice != 199 || seg.ChangePct != 99 || seg.Direction != model.TrendRising {
		t.Fatalf("segment = %+v", seg)
	}
}

func TestComputeFeatures_VShape(t *testing.T) {
	vals := append(ramp(100, -1, 51), ramp(51, 1, 50)...)
	f := computeFeatures(series(vals...))
	if f.MaxDrawdown != 0.5 {
		t.Fatalf("drawdown = %v", f.MaxDrawdown)
	}
	if f.Trend != model.TrendFlat {
		t.Fatalf("trend = %s", f.Trend)
	}
	n := len(f.Segments)
	if n < 2 || f.Segments[0].Direction != model.TrendFalling || f.Segments[n-1].Direction != model.TrendRising {
		t.Fatalf("segments = %+v", f.Segments)
	}
	if f.Segments[0].StartDate != "2024-03-01" || f.Segments[n-1].EndDate != series(vals...)[len(vals)-1].Date {
		t.Fatalf("segments do not cover the series: %+v", f.Segments)
	}
}

func TestComputeFeatures_SegmentsAreBounded(t *testing.T) {
	vals := make([]float64, 200)
	for i := range vals {
		vals[i] = 100
		if i%7 < 3 {
			vals[i] += float64(i % 7 * 4)
		}
	}
	f := computeFeatures(series(vals...))
	if len(f.Segments) == 0 || len(f.Segments) > maxTrendSegments {
		t.Fatalf("%d segments", len(f.Segments))
	}
	for i := 1; i < len(f.Segments); i++ {
		if f.Segments[i].Direction == f.Segments[i-1].Direction {
			t.Fatalf("adjacent segments share direction: %+v", f.Segments)
		}
	}
}

func TestComputeFeatures_ConstantSeries(t *testing.T) {
	f := computeFeatures(series(ramp(10, 0, 30)...))
	if f.Trend != model.TrendFlat || f.Volatility != 0 || f.AnnualizedVolatility != 0 {
		t.Fatalf("features = %+v", f)
	}
}

func TestComputeFeatures_Volatility(t *testing.T) {
	// returns: +10%, -10%, +10%
	f := computeFeatures(series(100, 110, 99, 108.9))
	if f.Volatility != 0.1155 {
		t.Fatalf("daily volatility = %v", f.Volatility)
	}
	if f.AnnualizedVolatility != 1.8330 {
		t.Fatalf("annualized = %v", f.AnnualizedVolatility)
	}
}

func TestComputeFeatures_Unusable(t *testing.T) {
	for name, pts := range map[string][]model.TimeSeriesPoint{
		"nil":      nil,
		"single":   series(10),
		"zero":     series(10, 0, 12),
		"negative": series(10, -1, 12),
	} {
		f := computeFeatures(pts)
		if !f.Empty() || f.Segments == nil || len(f.Segments) != 0 {
			t.Errorf("%s: features = %+v", name, f)
		}
	}
}
