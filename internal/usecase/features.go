package usecase

import (
	"math"

	"fin-analysis-service/internal/domain/model"

	"github.com/shopspring/decimal"
)

const (
	tradingDaysPerYear = 252
	maxTrendSegments   = 8
	// flatBand is the relative move below which a trend or segment counts as flat.
	flatBand = 0.02
)

// computeFeatures summarizes a close series. Anything unusable yields empty features.
func computeFeatures(points []model.TimeSeriesPoint) *model.Features {
	empty := &model.Features{Segments: []model.TrendSegment{}}
	if len(points) < 2 {
		return empty
	}
	ys := make([]float64, len(points))
	for i, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.Value <= 0 {
			return empty
		}
		ys[i] = p.Value
	}

	f := &model.Features{
		Points:      len(ys),
		Trend:       trendOf(ys),
		TotalReturn: round4(ys[len(ys)-1]/ys[0] - 1),
		MaxDrawdown: round4(maxDrawdown(ys)),
		Segments:    trendSegments(points, ys),
	}
	vol := dailyVolatility(ys)
	f.Volatility = round4(vol)
	f.AnnualizedVolatility = round4(vol * math.Sqrt(tradingDaysPerYear))
	return f
}

// trendOf classifies the least-squares slope, scaled to the whole window against the mean price.
func trendOf(ys []float64) string {
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
		return model.TrendFlat
	}
	slope := (n*sxy - sx*sy) / den
	rel := slope * (n - 1) / (sy / n)
	switch {
	case rel > flatBand:
		return model.TrendRising
	case rel < -flatBand:
		return model.TrendFalling
	default:
		return model.TrendFlat
	}
}

func dailyVolatility(ys []float64) float64 {
	if len(ys) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(ys)-1)
	var mean float64
	for i := 1; i < len(ys); i++ {
		r := ys[i]/ys[i-1] - 1
		rets = append(rets, r)
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}

// maxDrawdown is the largest peak-to-trough decline as a positive fraction.
func maxDrawdown(ys []float64) float64 {
	peak, worst := ys[0], 0.0
	for _, y := range ys {
		if y > peak {
			peak = y
		}
		if dd := (peak - y) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

type span struct{ lo, hi int }

// trendSegments runs a bottom-up piecewise-linear fit, then merges neighbours moving the same way.
func trendSegments(points []model.TimeSeriesPoint, ys []float64) []model.TrendSegment {
	spans := make([]span, 0, len(ys)-1)
	for i := 0; i+1 < len(ys); i++ {
		spans = append(spans, span{i, i + 1})
	}
	for len(spans) > maxTrendSegments {
		best, bestCost := 0, math.Inf(1)
		for j := 0; j+1 < len(spans); j++ {
			if c := interpolationError(ys, spans[j].lo, spans[j+1].hi); c < bestCost {
				best, bestCost = j, c
			}
		}
		spans[best].hi = spans[best+1].hi
		spans = append(spans[:best+1], spans[best+2:]...)
	}

	out := make([]model.TrendSegment, 0, len(spans))
	for _, sp := range spans {
		dir := direction(ys[sp.lo], ys[sp.hi])
		if n := len(out); n > 0 && out[n-1].Direction == dir {
			last := &out[n-1]
			last.EndDate, last.EndPrice = points[sp.hi].Date, ys[sp.hi]
			last.ChangePct = pct(last.StartPrice, last.EndPrice)
			continue
		}
		out = append(out, model.TrendSegment{
			StartDate:  points[sp.lo].Date,
			EndDate:    points[sp.hi].Date,
			StartPrice: ys[sp.lo],
			EndPrice:   ys[sp.hi],
			Direction:  dir,
			ChangePct:  pct(ys[sp.lo], ys[sp.hi]),
		})
	}
	return out
}

// interpolationError is the worst relative deviation from the chord between lo and hi.
func interpolationError(ys []float64, lo, hi int) float64 {
	worst := 0.0
	width := float64(hi - lo)
	for i := lo + 1; i < hi; i++ {
		line := ys[lo] + (ys[hi]-ys[lo])*float64(i-lo)/width
		if d := math.Abs(ys[i]-line) / ys[i]; d > worst {
			worst = d
		}
	}
	return worst
}

func direction(from, to float64) string {
	switch rel := to/from - 1; {
	case rel > flatBand/2:
		return model.TrendRising
	case rel < -flatBand/2:
		return model.TrendFalling
	default:
		return model.TrendFlat
	}
}

func pct(from, to float64) float64 {
	return decimal.NewFromFloat((to/from - 1) * 100).Round(2).InexactFloat64()
}

func round4(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}
