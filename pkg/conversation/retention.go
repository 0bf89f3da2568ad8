package conversation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultRetentionAge = 7 * 24 * time.Hour

// Retention periodically drops idle conversations from the store and their
// archive files. Eviction policy lives here, outside the store itself.
type Retention struct {
	store   *Store
	archive *Archive
	maxAge  time.Duration
	logger  zerolog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewRetention creates a retention sweeper. archive may be nil when the
// store runs memory-only.
func NewRetention(store *Store, archive *Archive, maxAge time.Duration, logger zerolog.Logger) *Retention {
	if maxAge <= 0 {
		maxAge = DefaultRetentionAge
	}

	return &Retention{
		store:   store,
		archive: archive,
		maxAge:  maxAge,
		logger:  logger,
	}
}

// Start schedules sweeps with the given cron spec (e.g. "0 3 * * *").
func (r *Retention) Start(schedule string) error {
	if r.cron != nil {
		return fmt.Errorf("retention is already running")
	}

	c := cron.New()
	id, err := c.AddFunc(schedule, func() {
		if err := r.SweepNow(); err != nil {
			r.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	r.cron = c
	r.entryID = id
	c.Start()

	r.logger.Info().
		Str("schedule", schedule).
		Dur("max_age", r.maxAge).
		Msg("Conversation retention started")

	return nil
}

// Stop cancels scheduled sweeps.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	r.cron.Stop()
	r.cron = nil
}

// SweepNow removes every conversation idle longer than maxAge.
func (r *Retention) SweepNow() error {
	cutoff := time.Now().Add(-r.maxAge)
	deleted := 0

	for _, id := range r.store.List() {
		updated, ok := r.store.UpdatedAt(id)
		if !ok || updated.After(cutoff) {
			continue
		}

		release := r.store.Acquire(id)
		r.store.Delete(id)
		release()

		if r.archive != nil {
			if err := r.archive.Delete(id); err != nil {
				r.logger.Warn().
					Str("conversation_id", id).
					Err(err).
					Msg("Failed to delete conversation archive")
			}
		}
		deleted++
	}

	if r.archive != nil {
		ids, err := r.archive.List()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, live := r.store.Get(id); live {
				continue
			}
			modified, err := r.archive.LastModified(id)
			if err != nil || modified.After(cutoff) {
				continue
			}
			if err := r.archive.Delete(id); err != nil {
				r.logger.Warn().
					Str("conversation_id", id).
					Err(err).
					Msg("Failed to delete conversation archive")
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		r.logger.Info().Int("deleted", deleted).Msg("Swept idle conversations")
	}

	return nil
}
