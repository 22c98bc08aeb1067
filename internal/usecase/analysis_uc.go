// File: internal/usecase/analysis_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/repository"
	"fin-analysis-service/internal/infra/logging"
	"fin-analysis-service/internal/infra/metrics"
	"fin-analysis-service/internal/infra/worker"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ AnalysisUseCase = (*analysisUC)(nil)

type AnalysisUseCase interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Status(ctx context.Context, sessionID string) (*StatusView, error)
	Delete(ctx context.Context, sessionID string) error
}

// TaskSubmitter is satisfied by *worker.Pool.
type TaskSubmitter interface {
	Submit(task worker.Task) error
}

type CreateRequest struct {
	Message   string `json:"message" validate:"required,max=2000"`
	Model     string `json:"model" validate:"omitempty,forecast_model"`
	Context   string `json:"context,omitempty" validate:"max=20000"`
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,uuid"`

	// ClientKey identifies the caller for rate limiting (client IP).
	ClientKey string `json:"-"`
}

type CreateResult struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
}

type StatusView struct {
	SessionID   string              `json:"sessionId"`
	Status      model.SessionStatus `json:"status"`
	Steps       int                 `json:"steps"` // current step number
	TotalSteps  int                 `json:"totalSteps"`
	CurrentStep int                 `json:"currentStep"`
	StepDetails []model.StepDetail  `json:"stepDetails"`
	Data        *model.Session      `json:"data"`
}

type AnalysisConfig struct {
	LockTTL          time.Duration
	CreateRateLimit  int // 0 disables
	CreateRateWindow time.Duration
}

type analysisUC struct {
	store   repository.SessionStore
	locker  repository.SessionLocker
	limiter repository.RateLimiter // optional
	pool    TaskSubmitter
	runner  AnalysisRunner
	cfg     AnalysisConfig
	log     *zerolog.Logger
	v       *validator.Validate
	now     func() time.Time
}

func NewAnalysisUseCase(
	store repository.SessionStore,
	locker repository.SessionLocker,
	limiter repository.RateLimiter,
	pool TaskSubmitter,
	runner AnalysisRunner,
	cfg AnalysisConfig,
	log *zerolog.Logger,
) *analysisUC {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.CreateRateWindow <= 0 {
		cfg.CreateRateWindow = time.Minute
	}
	return &analysisUC{
		store:   store,
		locker:  locker,
		limiter: limiter,
		pool:    pool,
		runner:  runner,
		cfg:     cfg,
		log:     logging.Component(log, "analysis"),
		v:       newValidator(),
		now:     time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("forecast_model", func(fl validator.FieldLevel) bool {
		_, err := model.ParseForecastModel(fl.Field().String())
		return err == nil
	})
	return v
}

func lockKey(sessionID string) string    { return "analysis_lock:" + sessionID }
func createRateKey(client string) string { return "rate_limit:create:" + client }

// Create validates the request, allocates or resets the session and enqueues the runner.
// It returns before any stage runs.
func (a *analysisUC) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.Model = strings.TrimSpace(req.Model)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := a.v.Struct(req); err != nil {
		return nil, validationErr(err)
	}
	modelName, err := model.ParseForecastModel(req.Model)
	if err != nil {
		return nil, err
	}

	if err := a.checkRate(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logging.WithSessID(ctx, id)
	log := logging.With(ctx, a.log)

	token, err := a.locker.TryLock(ctx, lockKey(id), a.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			return nil, domain.ErrAnalysisInProgress
		}
		return nil, err
	}
	unlock := func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.locker.Unlock(uctx, lockKey(id), token); err != nil {
			log.Warn().Err(err).Msg("session unlock failed")
		}
	}

	created, err := a.prepareSession(ctx, id, req, modelName)
	if err != nil {
		unlock()
		return nil, err
	}

	question := req.Message
	task := func(runCtx context.Context) error {
		defer unlock()
		return a.runner.Run(logging.WithTraceID(runCtx, logging.TraceID(ctx)), id, question, modelName)
	}
	if err := a.pool.Submit(task); err != nil {
		unlock()
		if created {
			if derr := a.store.Delete(context.WithoutCancel(ctx), id); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
				log.Warn().Err(derr).Msg("cleanup after rejected submit failed")
			}
		}
		log.Warn().Err(err).Msg("analysis not scheduled")
		if errors.Is(err, domain.ErrQueueFull) {
			return nil, domain.ErrQueueFull
		}
		return nil, err
	}

	metrics.IncSessionCreated(string(modelName))
	log.Info().Str("model", string(modelName)).Bool("new", created).
		Str("message", logging.Redact(question, false)).Msg("analysis scheduled")
	return &CreateResult{SessionID: id, Status: model.SessionCreated}, nil
}

// prepareSession creates a fresh session, or resets a reused one for a new turn.
func (a *analysisUC) prepareSession(ctx context.Context, id string, req CreateRequest, modelName model.ForecastModel) (created bool, err error) {
	if req.SessionID != "" {
		stale := false
		_, err := a.store.Merge(ctx, id, func(s *model.Session) error {
			// The caller holds the session lock, so a running record has no live runner.
			stale = s.Interrupt("上次分析意外中断")
			if err := s.ResetForNewQuery(modelName, a.now()); err != nil {
				return err
			}
			if req.Context != "" {
				s.Context = req.Context
			}
			return nil
		})
		switch {
		case err == nil:
			if stale {
				logging.With(ctx, a.log).Warn().Msg("interrupted run found on reuse, session reset")
			}
			return false, nil
		case !errors.Is(err, domain.ErrNotFound):
			return false, err
		}
	}
	s := model.NewSession(id, modelName, req.Context, a.now())
	if err := a.store.Create(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

func (a *analysisUC) checkRate(ctx context.Context, client string) error {
	if a.limiter == nil || a.cfg.CreateRateLimit <= 0 || client == "" {
		return nil
	}
	ok, err := a.limiter.Allow(ctx, createRateKey(client), a.cfg.CreateRateLimit, a.cfg.CreateRateWindow)
	if err != nil {
		// Fail open: a limiter outage must not block analysis.
		logging.With(ctx, a.log).Warn().Err(err).Msg("rate limiter unavailable")
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func (a *analysisUC) Status(ctx context.Context, sessionID string) (*StatusView, error) {
	s, err := a.store.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	return &StatusView{
		SessionID:   s.SessionID,
		Status:      s.Status,
		Steps:       s.CurrentStep,
		TotalSteps:  s.TotalSteps,
		CurrentStep: s.CurrentStep,
		StepDetails: s.StepDetails,
		Data:        s,
	}, nil
}

// Delete removes the session. A runner in flight is not interrupted; its next write fails and it stops.
func (a *analysisUC) Delete(ctx context.Context, sessionID string) error {
	if err := a.store.Delete(ctx, strings.TrimSpace(sessionID)); err != nil {
		return err
	}
	logging.With(logging.WithSessID(ctx, sessionID), a.log).Info().Msg("session deleted")
	return nil
}

func validationErr(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument)
	}
	fe := verrs[0]
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required: %w", field, domain.ErrInvalidArgument)
	case "forecast_model":
		return fmt.Errorf("unsupported model %q: %w", fe.Value(), domain.ErrInvalidArgument)
	case "max":
		return fmt.Errorf("%s is too long (max %s): %w", field, fe.Param(), domain.ErrInvalidArgument)
	case "uuid":
		return fmt.Errorf("%s must be a uuid: %w", field, domain.ErrInvalidArgument)
	default:
		return fmt.Errorf("%s failed %s: %w", field, fe.Tag(), domain.ErrInvalidArgument)
	}
}

func jsonName(field string) string {
	switch field {
	case "SessionID":
		return "sessionId"
	case "":
		return field
	default:
		return strings.ToLower(field[:1]) + field[1:]
	}
}
