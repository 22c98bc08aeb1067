package model

import "fmt"

// Intent is the structured request derived from the user's message.
// The forecast horizon is not part of it: every forecast covers the configured horizon.
type Intent struct {
	InScope         bool     `json:"inScope"`
	IsTimeSeries    bool     `json:"isTimeSeries"`
	StockMention    string   `json:"stockMention"`
	Ticker          string   `json:"ticker"`
	HistoryDays     int      `json:"historyDays"`
	EnableRAG       bool     `json:"enableRag"`
	EnableSearch    bool     `json:"enableSearch"`
	Keywords        []string `json:"keywords,omitempty"`
	RAGKeywords     []string `json:"ragKeywords,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	OutOfScopeReply string   `json:"outOfScopeReply,omitempty"`
}

// Trend directions.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendFlat    = "flat"
)

// TrendSegment is one piece of a piecewise-linear fit of the price series.
type TrendSegment struct {
	StartDate  string  `json:"startDate"`
	EndDate    string  `json:"endDate"`
	StartPrice float64 `json:"startPrice"`
	EndPrice   float64 `json:"endPrice"`
	Direction  string  `json:"direction"`
	ChangePct  float64 `json:"changePct"`
}

// Features are local statistics over the historical series.
type Features struct {
	Trend                string         `json:"trend,omitempty"`
	Points               int            `json:"points"`
	TotalReturn          float64        `json:"totalReturn"`
	Volatility           float64        `json:"volatility"`
	AnnualizedVolatility float64        `json:"annualizedVolatility"`
	MaxDrawdown          float64        `json:"maxDrawdown"`
	Segments             []TrendSegment `json:"segments"`
}

// FeatureWindow identifies the exact series features were computed over.
// Two requests on the same day with different history lengths get different windows.
type FeatureWindow struct {
	Ticker    string
	FirstDate string
	LastDate  string
	Points    int
}

// WindowOf describes points, which must be non-empty.
func WindowOf(ticker string, points []TimeSeriesPoint) FeatureWindow {
	return FeatureWindow{
		Ticker:    ticker,
		FirstDate: points[0].Date,
		LastDate:  points[len(points)-1].Date,
		Points:    len(points),
	}
}

func (w FeatureWindow) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", w.Ticker, w.FirstDate, w.LastDate, w.Points)
}

// Empty reports whether no statistics were computed.
func (f *Features) Empty() bool {
	return f == nil || f.Points == 0
}

// Bar is one daily close returned by the market-data source.
type Bar struct {
	Date  string
	Close float64
}

// Security identifies a resolved listed stock.
type Security struct {
	Code string
	Name string
}

// RAGSource cites one research-report chunk used to answer a question.
type RAGSource struct {
	FileName   string  `json:"fileName"`
	PageNumber int     `json:"pageNumber"`
	Score      float64 `json:"score"`
	Content    string  `json:"content"`
}

// WebResult is one web search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Date    string `json:"date,omitempty"`
	Site    string `json:"site,omitempty"`
}
