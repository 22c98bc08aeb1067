//go:build !integration

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/infra/api"
	"fin-analysis-service/internal/infra/logging"
	"fin-analysis-service/internal/usecase"
)

type stubUC struct {
	createErr error
	lastReq   usecase.CreateRequest
	sessions  map[string]*model.Session
}

func (s *stubUC) Create(_ context.Context, req usecase.CreateRequest) (*usecase.CreateResult, error) {
	s.lastReq = req
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &usecase.CreateResult{SessionID: "sess-1", Status: model.SessionCreated}, nil
}

func (s *stubUC) Status(_ context.Context, id string) (*usecase.StatusView, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &usecase.StatusView{SessionID: id, Status: sess.Status, Steps: sess.CurrentStep, TotalSteps: sess.TotalSteps, CurrentStep: sess.CurrentStep, StepDetails: sess.StepDetails, Data: sess}, nil
}

func (s *stubUC) Delete(_ context.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

var testNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newTestServer(uc *stubUC, opts api.Options) *httptest.Server {
	srv := api.NewServer(uc, opts, logging.Nop())
	return httptest.NewServer(srv.Handler())
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestCreate_OK(t *testing.T) {
	uc := &stubUC{}
	ts := newTestServer(uc, api.Options{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/analysis/create", "application/json",
		strings.NewReader(`{"message":"分析贵州茅台","model":"prophet","context":"持仓"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Error("missing trace id header")
	}
	var out usecase.CreateResult
	decodeBody(t, resp, &out)
	if out.SessionID != "sess-1" || out.Status != model.SessionCreated {
		t.Fatalf("body = %+v", out)
	}
	if uc.lastReq.Message != "分析贵州茅台" || uc.lastReq.Context != "持仓" || uc.lastReq.ClientKey != "127.0.0.1" {
		t.Fatalf("request = %+v", uc.lastReq)
	}
}

func TestCreate_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{fmt.Errorf("message is required: %w", domain.ErrInvalidArgument), http.StatusBadRequest, "message is required"},
		{domain.ErrAnalysisInProgress, http.StatusConflict, domain.ErrAnalysisInProgress.Error()},
		{domain.ErrRateLimited, http.StatusTooManyRequests, domain.ErrRateLimited.Error()},
		{fmt.Errorf("pool stopped: %w", domain.ErrQueueFull), http.StatusServiceUnavailable, domain.ErrQueueFull.Error()},
		{errors.New("redis down"), http.StatusInternalServerError, "internal error"},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.code), func(t *testing.T) {
			ts := newTestServer(&stubUC{createErr: c.err}, api.Options{})
			defer ts.Close()
			resp, err := http.Post(ts.URL+"/api/analysis/create", "application/json", strings.NewReader(`{"message":"x"}`))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != c.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, c.code)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] != c.msg {
				t.Fatalf("error = %q, want %q", body["error"], c.msg)
			}
		})
	}
}

func TestCreate_BadJSON(t *testing.T) {
	ts := newTestServer(&stubUC{}, api.Options{})
	defer ts.Close()
	resp, err := http.Post(ts.URL+"/api/analysis/create", "application/json", strings.NewReader(`{"message":`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusAndDelete(t *testing.T) {
	s := model.NewSession("abc", model.ModelProphet, "", testNow)
	uc := &stubUC{sessions: map[string]*model.Session{"abc": s}}
	ts := newTestServer(uc, api.Options{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/analysis/status/abc")
	if err != nil {
		t.Fatal(err)
	}
	var v struct {
		SessionID   string             `json:"sessionId"`
		Status      string             `json:"status"`
		Steps       int                `json:"steps"`
		TotalSteps  int                `json:"totalSteps"`
		StepDetails []model.StepDetail `json:"stepDetails"`
		Data        map[string]any     `json:"data"`
	}
	decodeBody(t, resp, &v)
	if v.SessionID != "abc" || v.Status != "created" || v.Steps != 0 || v.TotalSteps != 7 || len(v.StepDetails) != 7 {
		t.Fatalf("status body = %+v", v)
	}
	if _, ok := v.Data["newsList"].([]any); !ok {
		t.Fatalf("newsList should be an array: %v", v.Data["newsList"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/analysis/abc", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	for _, probe := range []struct{ method, path string }{
		{http.MethodGet, "/api/analysis/status/abc"},
		{http.MethodDelete, "/api/analysis/abc"},
	} {
		req, _ := http.NewRequest(probe.method, ts.URL+probe.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		decodeBody(t, resp, &body)
		if resp.StatusCode != http.StatusNotFound || body["error"] != "session not found" {
			t.Fatalf("%s %s = %d %v", probe.method, probe.path, resp.StatusCode, body)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	var down atomic.Bool
	ts := newTestServer(&stubUC{}, api.Options{Health: func(context.Context) error {
		if down.Load() {
			return errors.New("redis down")
		}
		return nil
	}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	down.Store(true)
	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health while down = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestTraceIDIsPropagated(t *testing.T) {
	ts := newTestServer(&stubUC{}, api.Options{})
	defer ts.Close()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Trace-Id", "client-trace")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Trace-Id"); got != "client-trace" {
		t.Fatalf("trace id = %q", got)
	}
}
