//go:build !integration

package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/infra/logging"
	"fin-analysis-service/internal/infra/memstore"
)

// flakyStore fails the failAt-th Merge with a transport-style error.
type flakyStore struct {
	*memstore.SessionStore
	mu     sync.Mutex
	calls  int
	failAt int
}

func (f *flakyStore) Merge(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failAt
	f.mu.Unlock()
	if fail {
		return nil, errors.New("redis: i/o timeout")
	}
	return f.SessionStore.Merge(ctx, id, fn)
}

func TestRunner_StoreFailureLeavesTerminalState(t *testing.T) {
	cases := []struct {
		name   string
		failAt int
		stage  string
	}{
		// 1/2 start and complete parse-intent, 3/4 start and complete fetch-data.
		{"start write fails", 3, model.StageFetchData},
		{"complete write fails", 4, model.StageFetchData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := &flakyStore{SessionStore: memstore.NewSessionStore(24 * time.Hour), failAt: tc.failAt}
			if err := store.Create(ctx, model.NewSession("s1", model.ModelProphet, "", time.Now())); err != nil {
				t.Fatal(err)
			}
			r := NewRunner(store, &fakeAI{}, &fakeMarket{}, &fakeForecaster{}, nil, RunnerConfig{Horizon: 30}, logging.Nop())

			if err := r.Run(ctx, "s1", "分析贵州茅台", model.ModelProphet); err == nil {
				t.Fatal("Run should report the store failure")
			}
			s, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			i := s.StageIndex(tc.stage)
			if s.Status != model.SessionFailed || s.StepDetails[i].Status != model.StepError {
				t.Fatalf("status=%s details=%+v", s.Status, s.StepDetails)
			}
			if !strings.Contains(s.StepDetails[i].Message, "会话存储异常") {
				t.Fatalf("message = %q", s.StepDetails[i].Message)
			}
			if err := s.CheckConsistency(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestRunner_DeletedSessionIsAbandoned(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewSessionStore(24 * time.Hour)
	r := NewRunner(store, &fakeAI{}, &fakeMarket{}, &fakeForecaster{}, nil, RunnerConfig{Horizon: 30}, logging.Nop())

	if err := r.Run(ctx, "missing", "分析贵州茅台", model.ModelProphet); err != nil {
		t.Fatalf("Run on a missing session = %v, want nil", err)
	}
	if store.Len() != 0 {
		t.Fatal("runner recreated a deleted session")
	}
}
