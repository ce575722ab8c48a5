// Package dispatch binds the scheduling entities together: the
// Dispatcher turns due schedules into deduplicated runs, the Pool admits
// runs to workers and executes their targets, and the Reaper sweeps
// stale workers and abandoned runs.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tempo/internal/domain"
	"tempo/internal/metrics"
	"tempo/internal/store"
	"tempo/internal/trigger"
)

// Dispatcher polls for due schedules and materializes one run per fire
// instant. Any number of dispatcher processes may run concurrently; the
// store's dedupe constraint and version guards make the race harmless.
type Dispatcher struct {
	repo     store.Repository
	eval     *trigger.Evaluator
	interval time.Duration
	batch    int
}

func NewDispatcher(repo store.Repository, eval *trigger.Evaluator, interval time.Duration, batch int) *Dispatcher {
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{repo: repo, eval: eval, interval: interval, batch: batch}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", d.interval).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.processDue(ctx, now)
		}
	}
}

func (d *Dispatcher) processDue(ctx context.Context, now time.Time) {
	schedules, err := d.repo.FindDueSchedules(ctx, now, d.batch)
	if err != nil {
		log.Error().Err(err).Msg("failed to find due schedules")
		return
	}
	for _, s := range schedules {
		if err := d.fire(ctx, s, now); err != nil {
			log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to fire schedule")
		}
	}
}

// fire creates the run for the schedule's current fire instant and
// advances the fire pointer. A concurrent dispatcher doing the same work
// loses either on the dedupe key or on the schedule version; both
// outcomes leave exactly one run and one advanced pointer behind.
func (d *Dispatcher) fire(ctx context.Context, s domain.Schedule, now time.Time) error {
	fireAt := *s.NextFireAt

	run, err := domain.NewRun("run_"+uuid.NewString(), s.Tenant, s.ID, "",
		s.DedupeKey(fireAt), fireAt, 1, s.Payload, now)
	if err != nil {
		return err
	}
	switch err := d.repo.InsertRun(ctx, run); {
	case errors.Is(err, store.ErrDuplicateRun):
		metrics.RunsDeduped.WithLabelValues(s.Tenant).Inc()
		log.Debug().Str("schedule_id", s.ID).Time("fire_at", fireAt).Msg("fire already materialized")
	case err != nil:
		return err
	default:
		metrics.RunsFired.WithLabelValues(s.Tenant).Inc()
		log.Info().Str("schedule_id", s.ID).Str("run_id", run.ID).Time("fire_at", fireAt).Msg("run created")
	}

	cal, err := d.calendarFor(ctx, s)
	if err != nil {
		return err
	}
	next, err := d.eval.Next(s.Trigger, s.Timezone, fireAt, cal)
	if err != nil {
		return err
	}
	advanced := s.AdvanceFire(fireAt, next, now)
	if err := d.repo.UpdateSchedule(ctx, advanced); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil // another dispatcher advanced the pointer first
		}
		return err
	}
	return nil
}

func (d *Dispatcher) calendarFor(ctx context.Context, s domain.Schedule) (*domain.Calendar, error) {
	if s.CalendarKey == "" {
		return nil, nil
	}
	cal, err := d.repo.FindCalendar(ctx, s.Tenant, s.CalendarKey)
	if err != nil {
		return nil, err
	}
	return &cal, nil
}
