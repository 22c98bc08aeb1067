// Package logging builds the zerolog loggers used across the service and
// carries request-scoped ids through context.Context.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"fin-analysis-service/internal/config"

	"github.com/rs/zerolog"
)

// New builds the process logger. Levels: trace, debug, info, warn, error.
// Dev mode forces console output with caller info and disables sampling.
func New(cfg config.LogConfig, dev bool) *zerolog.Logger {
	return newWithWriter(cfg, dev, os.Stdout)
}

func newWithWriter(cfg config.LogConfig, dev bool, w io.Writer) *zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := dev || strings.EqualFold(cfg.Format, "console")
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	ctx := zerolog.New(w).With().Timestamp().Str("service", "fin-analysis")
	if dev {
		ctx = ctx.Caller()
	}
	l := ctx.Logger()

	// Stage transitions log at info on every run; warn and above are never sampled.
	if cfg.Sampling && !dev {
		l = l.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: 100},
			InfoSampler:  &zerolog.BurstSampler{Burst: 20, Period: time.Second, NextSampler: &zerolog.BasicSampler{N: 10}},
		})
	}
	return &l
}

func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// Component tags a child logger, e.g. "runner" or "http".
func Component(base *zerolog.Logger, name string) *zerolog.Logger {
	l := base.With().Str("component", name).Logger()
	return &l
}

// TraceDuration logs entry and exit of name at trace level:
//
//	defer logging.TraceDuration(log, "Runner.Run")()
func TraceDuration(logger *zerolog.Logger, name string) func() {
	start := time.Now()
	logger.Trace().Str("method", name).Msg("enter")
	return func() {
		logger.Trace().Str("method", name).Dur("elapsed", time.Since(start)).Msg("exit")
	}
}

// Redact keeps a short preview of user questions outside dev mode.
func Redact(s string, dev bool) string {
	if dev {
		return s
	}
	r := []rune(s)
	if len(r) <= 8 {
		return "***"
	}
	return string(r[:4]) + "..." + string(r[len(r)-2:])
}
