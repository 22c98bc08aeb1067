package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/usecase"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func view(status model.SessionStatus, step int) usecase.StatusView {
	return usecase.StatusView{SessionID: "s1", Status: status, Steps: step, TotalSteps: 7, CurrentStep: step}
}

func TestClient_CreateStatusDelete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/analysis/create":
			var req usecase.CreateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Message == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
				return
			}
			writeJSON(w, http.StatusOK, usecase.CreateResult{SessionID: "s1", Status: model.SessionCreated})
		case r.Method == http.MethodGet && r.URL.Path == "/api/analysis/status/s1":
			writeJSON(w, http.StatusOK, view(model.SessionRunning, 2))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/analysis/s1":
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		}
	}))
	defer ts.Close()
	c := New(ts.URL, time.Second)
	ctx := context.Background()

	res, err := c.Create(ctx, usecase.CreateRequest{Message: "分析贵州茅台", Model: "prophet"})
	if err != nil || res.SessionID != "s1" {
		t.Fatalf("Create = %+v, %v", res, err)
	}
	_, err = c.Create(ctx, usecase.CreateRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "message is required" {
		t.Fatalf("Create invalid = %v", err)
	}

	v, err := c.Status(ctx, "s1")
	if err != nil || v.Status != model.SessionRunning || v.CurrentStep != 2 {
		t.Fatalf("Status = %+v, %v", v, err)
	}
	if _, err := c.Status(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Status unknown = %v", err)
	}
	if err := c.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Delete unknown = %v", err)
	}
}

// scripted serves the given responses in order, repeating the last one.
type scripted struct {
	mu    sync.Mutex
	steps []func(w http.ResponseWriter)
	calls int
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	s.mu.Unlock()
	s.steps[i](w)
}

func status(v usecase.StatusView) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) { writeJSON(w, http.StatusOK, v) }
}

func serverError(w http.ResponseWriter) { writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad gateway"}) }

func fastPoller(url string, onUpdate func(*usecase.StatusView)) *Poller {
	return NewPoller(New(url, time.Second), PollerConfig{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second}, onUpdate)
}

func TestPoller_UntilCompleted(t *testing.T) {
	ts := httptest.NewServer(&scripted{steps: []func(http.ResponseWriter){
		status(view(model.SessionCreated, 0)),
		status(view(model.SessionRunning, 1)),
		serverError,
		status(view(model.SessionRunning, 4)),
		status(view(model.SessionCompleted, 7)),
	}})
	defer ts.Close()

	var seen []int
	p := fastPoller(ts.URL, func(v *usecase.StatusView) { seen = append(seen, v.CurrentStep) })
	if p.State() != StateIdle {
		t.Fatalf("initial state = %s", p.State())
	}
	v, err := p.Poll(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if v.Status != model.SessionCompleted || p.Latest() != v || p.State() != StateDone {
		t.Fatalf("v=%+v state=%s", v, p.State())
	}
	want := []int{0, 1, 4, 7}
	if len(seen) != len(want) {
		t.Fatalf("updates = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("updates = %v", seen)
		}
	}
}

func TestPoller_FailedIsNotAnError(t *testing.T) {
	ts := httptest.NewServer(&scripted{steps: []func(http.ResponseWriter){status(view(model.SessionFailed, 2))}})
	defer ts.Close()
	v, err := fastPoller(ts.URL, nil).Poll(context.Background(), "s1")
	if err != nil || v.Status != model.SessionFailed {
		t.Fatalf("v=%+v err=%v", v, err)
	}
}

func TestPoller_NotFound(t *testing.T) {
	ts := httptest.NewServer(&scripted{steps: []func(http.ResponseWriter){
		status(view(model.SessionRunning, 1)),
		func(w http.ResponseWriter) { writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"}) },
	}})
	defer ts.Close()
	p := fastPoller(ts.URL, nil)
	if _, err := p.Poll(context.Background(), "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
	if p.State() != StateDone {
		t.Fatalf("state = %s", p.State())
	}
}

func TestPoller_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		serverError(w)
	}))
	defer ts.Close()
	_, err := fastPoller(ts.URL, nil).Poll(context.Background(), "s1")
	if !errors.Is(err, ErrClientTimeout) {
		t.Fatalf("err = %v", err)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("calls = %d, want 1 + 3 retries", got)
	}
}

func TestPoller_Ceiling(t *testing.T) {
	ts := httptest.NewServer(&scripted{steps: []func(http.ResponseWriter){status(view(model.SessionRunning, 3))}})
	defer ts.Close()
	p := NewPoller(New(ts.URL, time.Second), PollerConfig{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}, nil)
	v, err := p.Poll(context.Background(), "s1")
	if !errors.Is(err, ErrClientTimeout) || err.Error() != "analysis is taking too long" {
		t.Fatalf("err = %v", err)
	}
	if v == nil || v.Status != model.SessionRunning {
		t.Fatalf("last snapshot = %+v", v)
	}
}

func TestPoller_ContextCancel(t *testing.T) {
	ts := httptest.NewServer(&scripted{steps: []func(http.ResponseWriter){status(view(model.SessionRunning, 1))}})
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := fastPoller(ts.URL, nil).Poll(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
