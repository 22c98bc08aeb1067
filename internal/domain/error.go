package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrAnalysisInProgress = errors.New("analysis already running for this session")
	ErrSessionTerminal    = errors.New("session already reached a terminal state")
	ErrQueueFull          = errors.New("analysis queue is full")
	ErrRateLimited        = errors.New("too many requests")
	ErrLockNotAcquired    = errors.New("lock not acquired")

	// Collaborator failures, recorded as stage errors by the runner.
	ErrTickerNotFound        = errors.New("ticker not found")
	ErrDataSourceUnavailable = errors.New("market data source unavailable")
	ErrForecastFailed        = errors.New("forecast model error")
	ErrLLMUnavailable        = errors.New("llm service unavailable")
	ErrLLMBadOutput          = errors.New("llm returned unparsable output")
	ErrLLMRejected           = errors.New("llm rejected the request")
	ErrRetrievalUnavailable  = errors.New("report index or web search unavailable")
)
