package model

import (
	"fmt"
	"strings"
	"time"

	"fin-analysis-service/internal/domain"
)

type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further stage transitions may happen.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// MaxHistoryMessages caps ConversationHistory.
const MaxHistoryMessages = 20

type StepDetail struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message"`
}

type TimeSeriesPoint struct {
	Date         string  `json:"date"`
	Value        float64 `json:"value"`
	IsPrediction bool    `json:"isPrediction"`
}

type NewsItem struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Date    string `json:"date"`
	Source  string `json:"source"`
	URL     string `json:"url,omitempty"`
}

type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ForecastSummary carries the fit metrics reported by a forecasting backend.
type ForecastSummary struct {
	Model   string  `json:"model"`
	Horizon int     `json:"horizon"`
	MAE     float64 `json:"mae"`
	RMSE    float64 `json:"rmse"`
}

// Session is the persisted state of one analysis request.
type Session struct {
	SessionID   string        `json:"sessionId"`
	Status      SessionStatus `json:"status"`
	CurrentStep int           `json:"currentStep"`
	TotalSteps  int           `json:"totalSteps"`
	StepDetails []StepDetail  `json:"stepDetails"`

	IsTimeSeries bool    `json:"isTimeSeries"`
	Intent       *Intent `json:"intent,omitempty"`
	StockCode    string  `json:"stockCode,omitempty"`
	StockName    string  `json:"stockName,omitempty"`

	TimeSeriesOriginal []TimeSeriesPoint `json:"timeSeriesOriginal"`
	TimeSeriesFull     []TimeSeriesPoint `json:"timeSeriesFull"`
	PredictionDone     bool              `json:"predictionDone"`
	PredictionStartDay string            `json:"predictionStartDay,omitempty"`
	Forecast           *ForecastSummary  `json:"forecast,omitempty"`
	Features           *Features         `json:"features,omitempty"`

	NewsList           []NewsItem  `json:"newsList"`
	RagSources         []RAGSource `json:"ragSources"`
	Emotion            *float64    `json:"emotion"`
	EmotionDescription string      `json:"emotionDescription"`
	EmotionSource      string      `json:"emotionSource,omitempty"`

	Conclusion   string `json:"conclusion"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	Context             string                `json:"context"`
	ConversationHistory []ConversationMessage `json:"conversationHistory"`
	ModelName           ForecastModel         `json:"modelName"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession builds a session in the created state with the forecast plan pending.
func NewSession(id string, modelName ForecastModel, contextText string, now time.Time) *Session {
	s := &Session{
		SessionID:           id,
		Status:              SessionCreated,
		IsTimeSeries:        true,
		TimeSeriesOriginal:  []TimeSeriesPoint{},
		TimeSeriesFull:      []TimeSeriesPoint{},
		NewsList:            []NewsItem{},
		RagSources:          []RAGSource{},
		ConversationHistory: []ConversationMessage{},
		Context:             contextText,
		ModelName:           modelName,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.SetPlan(ForecastPlan)
	return s
}

// SetPlan replaces the stage list, keeping the status of stages that share an ID.
func (s *Session) SetPlan(plan []Stage) {
	prev := make(map[string]StepDetail, len(s.StepDetails))
	for _, d := range s.StepDetails {
		prev[d.ID] = d
	}
	details := make([]StepDetail, 0, len(plan))
	for _, st := range plan {
		d := StepDetail{ID: st.ID, Name: st.Name, Status: StepPending}
		if p, ok := prev[st.ID]; ok {
			d.Status, d.Message = p.Status, p.Message
		}
		details = append(details, d)
	}
	s.StepDetails = details
	s.TotalSteps = len(details)
	if s.CurrentStep > s.TotalSteps {
		s.CurrentStep = s.TotalSteps
	}
}

// StageIndex returns the 0-based position of a stage, or -1.
func (s *Session) StageIndex(id string) int {
	for i, d := range s.StepDetails {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// StartStage moves a stage from pending to running.
func (s *Session) StartStage(id, message string) error {
	i, err := s.transitionable(id, StepPending)
	if err != nil {
		return err
	}
	for j := 0; j < i; j++ {
		if s.StepDetails[j].Status != StepCompleted {
			return fmt.Errorf("stage %q started before %q finished: %w", id, s.StepDetails[j].ID, domain.ErrInvalidArgument)
		}
	}
	s.Status = SessionRunning
	s.StepDetails[i].Status = StepRunning
	s.StepDetails[i].Message = message
	if i+1 > s.CurrentStep {
		s.CurrentStep = i + 1
	}
	return nil
}

// CompleteStage moves a running stage to completed.
func (s *Session) CompleteStage(id, message string) error {
	i, err := s.transitionable(id, StepRunning)
	if err != nil {
		return err
	}
	s.StepDetails[i].Status = StepCompleted
	s.StepDetails[i].Message = message
	return nil
}

// FailStage marks a running stage as error and the session as failed.
func (s *Session) FailStage(id, message string) error {
	i, err := s.transitionable(id, StepRunning)
	if err != nil {
		return err
	}
	s.StepDetails[i].Status = StepError
	s.StepDetails[i].Message = message
	s.Status = SessionFailed
	s.ErrorMessage = message
	return nil
}

// AbortStage records an error on a stage that is pending or running and fails
// the session. It serves runs that cannot go on for reasons outside the stage itself.
func (s *Session) AbortStage(id, message string) error {
	if s.Status.IsTerminal() {
		return domain.ErrSessionTerminal
	}
	i := s.StageIndex(id)
	if i < 0 {
		return fmt.Errorf("unknown stage %q: %w", id, domain.ErrInvalidArgument)
	}
	switch s.StepDetails[i].Status {
	case StepPending:
		for j := 0; j < i; j++ {
			if s.StepDetails[j].Status != StepCompleted {
				return fmt.Errorf("stage %q aborted before %q finished: %w", id, s.StepDetails[j].ID, domain.ErrInvalidArgument)
			}
		}
		if i+1 > s.CurrentStep {
			s.CurrentStep = i + 1
		}
	case StepRunning:
	default:
		return fmt.Errorf("stage %q is %s: %w", id, s.StepDetails[i].Status, domain.ErrInvalidArgument)
	}
	s.StepDetails[i].Status = StepError
	s.StepDetails[i].Message = message
	s.Status = SessionFailed
	s.ErrorMessage = message
	return nil
}

// Interrupt fails a run whose runner is known to be gone, for example after a
// process crash. It reports whether the session was still running.
func (s *Session) Interrupt(message string) bool {
	if s.Status != SessionRunning {
		return false
	}
	for _, d := range s.StepDetails {
		if d.Status == StepCompleted {
			continue
		}
		if s.AbortStage(d.ID, message) == nil {
			return true
		}
		break
	}
	s.Status = SessionFailed
	s.ErrorMessage = message
	return true
}

// MarkCompleted finishes the session once every stage is completed.
func (s *Session) MarkCompleted() error {
	if s.Status.IsTerminal() {
		return domain.ErrSessionTerminal
	}
	for _, d := range s.StepDetails {
		if d.Status != StepCompleted {
			return fmt.Errorf("stage %q is %s: %w", d.ID, d.Status, domain.ErrInvalidArgument)
		}
	}
	s.Status = SessionCompleted
	s.CurrentStep = s.TotalSteps
	return nil
}

func (s *Session) transitionable(id string, from StepStatus) (int, error) {
	if s.Status.IsTerminal() {
		return -1, domain.ErrSessionTerminal
	}
	i := s.StageIndex(id)
	if i < 0 {
		return -1, fmt.Errorf("unknown stage %q: %w", id, domain.ErrInvalidArgument)
	}
	if got := s.StepDetails[i].Status; got != from {
		return -1, fmt.Errorf("stage %q is %s, want %s: %w", id, got, from, domain.ErrInvalidArgument)
	}
	return i, nil
}

// AddConversationMessage appends a turn and trims history to MaxHistoryMessages.
func (s *Session) AddConversationMessage(role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	s.ConversationHistory = append(s.ConversationHistory, ConversationMessage{Role: role, Content: content})
	if n := len(s.ConversationHistory); n > MaxHistoryMessages {
		s.ConversationHistory = s.ConversationHistory[n-MaxHistoryMessages:]
	}
}

// RecentHistory returns at most n trailing turns.
func (s *Session) RecentHistory(n int) []ConversationMessage {
	if n <= 0 || len(s.ConversationHistory) <= n {
		return s.ConversationHistory
	}
	return s.ConversationHistory[len(s.ConversationHistory)-n:]
}

// ResetForNewQuery clears per-turn state so an existing session can serve another request.
// Conversation history and context survive.
func (s *Session) ResetForNewQuery(modelName ForecastModel, now time.Time) error {
	if s.Status == SessionRunning {
		return domain.ErrAnalysisInProgress
	}
	s.Status = SessionCreated
	s.CurrentStep = 0
	s.StepDetails = nil
	s.IsTimeSeries = true
	s.Intent = nil
	s.StockCode, s.StockName = "", ""
	s.TimeSeriesOriginal = []TimeSeriesPoint{}
	s.TimeSeriesFull = []TimeSeriesPoint{}
	s.PredictionDone = false
	s.PredictionStartDay = ""
	s.Forecast = nil
	s.Features = nil
	s.NewsList = []NewsItem{}
	s.RagSources = []RAGSource{}
	s.Emotion = nil
	s.EmotionDescription, s.EmotionSource = "", ""
	s.Conclusion, s.ErrorMessage = "", ""
	s.ModelName = modelName
	s.UpdatedAt = now
	s.SetPlan(ForecastPlan)
	return nil
}

// CheckConsistency verifies the stage/status invariants and returns the first violation.
func (s *Session) CheckConsistency() error {
	seenPending := false
	errorAt := -1
	for i, d := range s.StepDetails {
		if d.Status == StepPending {
			seenPending = true
			continue
		}
		if seenPending {
			return fmt.Errorf("stage %q is %s after a pending stage", d.ID, d.Status)
		}
		if d.Status == StepError {
			if errorAt >= 0 {
				return fmt.Errorf("more than one stage in error")
			}
			errorAt = i
		} else if errorAt >= 0 {
			return fmt.Errorf("stage %q is %s after the failed stage", d.ID, d.Status)
		}
	}
	switch s.Status {
	case SessionCompleted:
		for _, d := range s.StepDetails {
			if d.Status != StepCompleted {
				return fmt.Errorf("completed session has stage %q %s", d.ID, d.Status)
			}
		}
		if len(s.TimeSeriesFull) < len(s.TimeSeriesOriginal) {
			return fmt.Errorf("full series shorter than original")
		}
	case SessionFailed:
		if errorAt < 0 {
			return fmt.Errorf("failed session without an errored stage")
		}
	default:
		if errorAt >= 0 {
			return fmt.Errorf("stage error while session is %s", s.Status)
		}
	}
	for i, p := range s.TimeSeriesOriginal {
		if i >= len(s.TimeSeriesFull) {
			break
		}
		if s.TimeSeriesFull[i] != p {
			return fmt.Errorf("full series diverges from original at %d", i)
		}
	}
	return nil
}
