// Package scheduler runs the engine's background maintenance on cron
// schedules: identity cache sync, negative-cache pruning, and the optional
// backup upload.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/hive"
	"github.com/skeptomenos/prism/internal/identity"
	"github.com/skeptomenos/prism/internal/reliability"
)

// identityMaxAge is how stale the local identity mirror may get before the
// nightly job pulls a fresh copy.
const identityMaxAge = 24 * time.Hour

// Scheduler wraps the cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RegisterJobs wires the maintenance jobs. backup may be nil (disabled).
func (s *Scheduler) RegisterJobs(cache *identity.Cache, syncer *hive.Syncer, backup *reliability.BackupService) error {
	// Nightly identity sync, only when the mirror is stale.
	if _, err := s.cron.AddFunc("15 3 * * *", func() {
		stale, err := cache.IsStale("identity", identityMaxAge)
		if err != nil {
			s.log.Warn().Err(err).Msg("Staleness check failed")
			return
		}
		if !stale {
			s.log.Debug().Msg("Identity mirror fresh, skipping sync")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := syncer.Sync(ctx); err != nil {
			s.log.Error().Err(err).Msg("Scheduled identity sync failed")
		}
	}); err != nil {
		return err
	}

	// Hourly negative-cache pruning.
	if _, err := s.cron.AddFunc("@hourly", func() {
		pruned, err := cache.PruneNegatives()
		if err != nil {
			s.log.Warn().Err(err).Msg("Negative cache pruning failed")
			return
		}
		if pruned > 0 {
			s.log.Info().Int64("pruned", pruned).Msg("Pruned expired negative cache entries")
		}
	}); err != nil {
		return err
	}

	// Daily backup when configured.
	if backup != nil {
		if _, err := s.cron.AddFunc("45 4 * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if err := backup.Run(ctx); err != nil {
				s.log.Error().Err(err).Msg("Scheduled backup failed")
			}
		}); err != nil {
			return err
		}
	}

	return nil
}
