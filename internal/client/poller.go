package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fin-analysis-service/internal/usecase"
)

type PollState int

const (
	StateIdle PollState = iota
	StatePolling
	StateDone
)

func (s PollState) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// StatusFetcher is satisfied by *Client.
type StatusFetcher interface {
	Status(ctx context.Context, sessionID string) (*usecase.StatusView, error)
}

type PollerConfig struct {
	Interval   time.Duration // default 1.5s
	Timeout    time.Duration // overall ceiling, default 5m
	MaxRetries int           // consecutive transport errors tolerated, default 3
}

// Poller reads a session until it reaches a terminal status.
type Poller struct {
	src      StatusFetcher
	cfg      PollerConfig
	onUpdate func(*usecase.StatusView)

	mu     sync.RWMutex
	state  PollState
	latest *usecase.StatusView
}

func NewPoller(src StatusFetcher, cfg PollerConfig, onUpdate func(*usecase.StatusView)) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 1500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Poller{src: src, cfg: cfg, onUpdate: onUpdate}
}

func (p *Poller) State() PollState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Latest is the most recent snapshot; each poll replaces it.
func (p *Poller) Latest() *usecase.StatusView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Poll blocks until the session is completed or failed and returns the terminal snapshot.
// A failed session is a successful poll: the error return is reserved for
// ErrSessionNotFound, ErrClientTimeout and ctx cancellation.
func (p *Poller) Poll(ctx context.Context, sessionID string) (*usecase.StatusView, error) {
	p.mu.Lock()
	if p.state == StatePolling {
		p.mu.Unlock()
		return nil, errors.New("poller already running")
	}
	p.state, p.latest = StatePolling, nil
	p.mu.Unlock()
	defer p.setState(StateDone)

	deadline := time.Now().Add(p.cfg.Timeout)
	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return p.Latest(), ctx.Err()
		case <-timer.C:
		}

		v, err := p.src.Status(ctx, sessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			return nil, ErrSessionNotFound
		case err != nil:
			if ctx.Err() != nil {
				return p.Latest(), ctx.Err()
			}
			failures++
			if failures > p.cfg.MaxRetries {
				return p.Latest(), fmt.Errorf("%w: %d consecutive errors, last: %v", ErrClientTimeout, failures, err)
			}
		default:
			failures = 0
			p.mu.Lock()
			p.latest = v
			p.mu.Unlock()
			if p.onUpdate != nil {
				p.onUpdate(v)
			}
			if v.Status.IsTerminal() {
				return v, nil
			}
		}

		if time.Now().Add(p.cfg.Interval).After(deadline) {
			return p.Latest(), ErrClientTimeout
		}
		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller) setState(s PollState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
