package model

import (
	"fmt"
	"strings"

	"fin-analysis-service/internal/domain"
)

// Stage IDs, in forecast-plan order.
const (
	StageParseIntent     = "parse-intent"
	StageFetchData       = "fetch-data"
	StageAnalyzeFeatures = "analyze-features"
	StageFetchNews       = "fetch-news"
	StageSentiment       = "sentiment"
	StagePredict         = "predict"
	StageReport          = "report"
)

type Stage struct {
	ID   string
	Name string
}

var (
	ForecastPlan = []Stage{
		{ID: StageParseIntent, Name: "意图识别"},
		{ID: StageFetchData, Name: "行情数据获取"},
		{ID: StageAnalyzeFeatures, Name: "时序特征分析"},
		{ID: StageFetchNews, Name: "新闻获取"},
		{ID: StageSentiment, Name: "情绪分析"},
		{ID: StagePredict, Name: "模型预测"},
		{ID: StageReport, Name: "报告生成"},
	}

	// ChatPlan serves conversational requests that need no forecast.
	// Its fetch-news stage gathers context for a mentioned stock and never fails the session.
	ChatPlan = []Stage{
		{ID: StageParseIntent, Name: "意图识别"},
		{ID: StageFetchNews, Name: "信息获取"},
		{ID: StageReport, Name: "生成回答"},
	}

	// RefusalPlan serves out-of-scope requests.
	RefusalPlan = []Stage{
		{ID: StageParseIntent, Name: "意图识别"},
	}
)

// ForecastModel names a forecasting backend. The set is closed.
type ForecastModel string

const (
	ModelProphet      ForecastModel = "prophet"
	ModelXGBoost      ForecastModel = "xgboost"
	ModelRandomForest ForecastModel = "randomforest"
	ModelDLinear      ForecastModel = "dlinear"
)

var ForecastModels = []ForecastModel{ModelProphet, ModelXGBoost, ModelRandomForest, ModelDLinear}

// ParseForecastModel normalizes a model name; empty selects prophet.
func ParseForecastModel(name string) (ForecastModel, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ModelProphet, nil
	}
	for _, m := range ForecastModels {
		if string(m) == n {
			return m, nil
		}
	}
	return "", fmt.Errorf("unsupported model %q: %w", name, domain.ErrInvalidArgument)
}
