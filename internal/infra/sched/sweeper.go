package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweepable drops entries whose retention window has passed.
type Sweepable interface {
	SweepExpired() int
}

// Sweeper periodically evicts expired entries from in-process stores,
// which otherwise only expire lazily when read.
type Sweeper struct {
	interval time.Duration
	targets  map[string]Sweepable
	log      *zerolog.Logger
}

// NewSweeper schedules a sweep every interval. cron rounds intervals below
// one second up to one second.
func NewSweeper(interval time.Duration, targets map[string]Sweepable, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	l := logger.With().Str("component", "sweeper").Logger()
	return &Sweeper{interval: interval, targets: targets, log: &l}
}

// Run blocks until ctx is cancelled, then waits for a sweep in progress.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.SweepOnce() }))

	s.log.Info().Dur("interval", s.interval).Msg("starting sweeper")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Msg("sweeper stopped")
	return ctx.Err()
}

// SweepOnce runs every target once and returns the total evicted.
func (s *Sweeper) SweepOnce() int {
	total := 0
	for name, t := range s.targets {
		if n := t.SweepExpired(); n > 0 {
			total += n
			s.log.Debug().Str("target", name).Int("count", n).Msg("expired entries evicted")
		}
	}
	return total
}
