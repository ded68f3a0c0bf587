package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapSchedule = "@every 5m"
)

// Reaper periodically completes sessions that have sat idle past the
// configured timeout, so abandoned conversations do not accumulate as
// live sessions forever.
type Reaper struct {
	registry    *Registry
	idleTimeout time.Duration
	schedule    string
	cron        *cron.Cron
	logger      zerolog.Logger
	running     bool
}

// NewReaper creates a reaper for the given registry.
func NewReaper(registry *Registry, idleTimeout time.Duration, schedule string, logger zerolog.Logger) *Reaper {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}

	return &Reaper{
		registry:    registry,
		idleTimeout: idleTimeout,
		schedule:    schedule,
		logger:      logger,
	}
}

// Start schedules the sweep.
func (r *Reaper) Start() error {
	if r.running {
		return fmt.Errorf("reaper is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.sweep); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}
	c.Start()

	r.cron = c
	r.running = true

	r.logger.Info().
		Dur("idle_timeout", r.idleTimeout).
		Str("schedule", r.schedule).
		Msg("Session reaper started")
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info().Msg("Session reaper stopped")
}

func (r *Reaper) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)
	reaped := 0

	for _, sess := range r.registry.GetSessions(0, 0) {
		if sess.State() != StateIdle || sess.LastActivity().After(cutoff) {
			continue
		}
		if err := sess.Complete(context.Background()); err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", sess.ID()).
				Msg("Failed to complete idle session")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Idle sessions completed")
	}
}
