/**
 * @description
 * Cron job that sweeps abandoned authentication sessions: attempts that
 * requested a challenge but never obtained a token are deleted once they age
 * past the cutoff, keeping the supersede-on-retry path cheap.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepStore is the slice of the repository the sweeper needs.
type SweepStore interface {
	DeleteStaleAuthSessions(ctx context.Context, cutoff time.Time) (int64, error)
	FailStaleChallengeLegs(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionSweeper periodically deletes stale, tokenless auth sessions and
// fails transfer legs abandoned mid-challenge.
type SessionSweeper struct {
	sessions SweepStore
	logger   *slog.Logger
	cron     *cron.Cron
	maxAge   time.Duration
	schedule string
}

// NewSessionSweeper creates a sweeper. maxAge defaults to an hour.
func NewSessionSweeper(sessions SweepStore, logger *slog.Logger, schedule string, maxAge time.Duration) *SessionSweeper {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &SessionSweeper{
		sessions: sessions,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		maxAge:   maxAge,
		schedule: schedule,
	}
}

// Start registers and starts the sweep job.
func (s *SessionSweeper) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		s.logger.Error("failed to schedule session sweep job", "error", err)
		return
	}
	s.logger.Info("scheduled session sweep job", "schedule", s.schedule, "max_age", s.maxAge)
	s.cron.Start()
}

// Stop gracefully stops the scheduler.
func (s *SessionSweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep runs one pass. Tokened sessions and sessions still linked to a
// transfer slot are never touched.
func (s *SessionSweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.maxAge)

	failed, err := s.sessions.FailStaleChallengeLegs(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to fail stale challenge legs", "error", err)
	} else if failed > 0 {
		s.logger.Info("failed abandoned challenge legs", "failed", failed, "cutoff", cutoff)
	}

	deleted, err := s.sessions.DeleteStaleAuthSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("swept abandoned auth sessions", "deleted", deleted, "cutoff", cutoff)
	}
}
