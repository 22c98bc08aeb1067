package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	IncSessionCreated("Prophet")
	IncSessionFinished("completed")
	ObserveStage("fetch-data", "completed", 120*time.Millisecond)
	IncCacheLookup("features", true)
	IncHTTPRequest("/api/analysis/create", http.StatusOK)
	SetBuildInfo("dev", "none")
	ObserveChatUsage("OpenAI", "deepseek-chat", 120, 40, 1500, true)
	ObserveChatUsage("gemini", "gemini-2.0-flash", 0, 0, 30, false)
	IncFailover("openai", "gemini")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`analysis_sessions_created_total{model="prophet"} 1`,
		`analysis_sessions_finished_total{status="completed"} 1`,
		`analysis_stage_duration_seconds_count{outcome="completed",stage="fetch-data"} 1`,
		`analysis_cache_lookups_total{cache="features",result="hit"} 1`,
		`http_requests_total{code="200",route="/api/analysis/create"} 1`,
		`llm_tokens_total{kind="prompt",model="deepseek-chat",provider="openai"} 120`,
		`llm_tokens_total{kind="completion",model="deepseek-chat",provider="openai"} 40`,
		`llm_request_duration_seconds_count{outcome="error",provider="gemini"} 1`,
		`llm_failovers_total{from="openai",to="gemini"} 1`,
		`fin_analysis_build_info{`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
