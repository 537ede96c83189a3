package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RunFunc is one warehouse run; Runner.Run satisfies it.
type RunFunc func(ctx context.Context) (*Report, error)

// Scheduler repeats a run on a fixed interval. Runs never overlap: a tick
// that arrives while a run is active is dropped.
type Scheduler struct {
	run      RunFunc
	interval time.Duration
	logger   zerolog.Logger
}

func NewScheduler(run RunFunc, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		run:      run,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs once immediately and then on every tick until ctx is done.
// A failed run is logged and the schedule continues.
func (s *Scheduler) Start(ctx context.Context) {
	s.tick(ctx)
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rep, err := s.run(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Warn().Msg("previous run still in progress, skipping tick")
	case err != nil:
		evt := s.logger.Error().Err(err)
		if rep != nil {
			evt = evt.Str("run_id", rep.RunID).Str("status", rep.Status)
		}
		evt.Msg("scheduled run failed")
	default:
		s.logger.Info().Str("run_id", rep.RunID).Dur("duration", rep.Duration()).Msg("scheduled run published")
	}
}
