package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tempo/internal/domain"
	"tempo/internal/metrics"
	"tempo/internal/store"
	"tempo/internal/trigger"
)

// Service is the command surface consumed by the API edge. The edge does
// its own schema validation; the service enforces domain rules only.
type Service struct {
	repo store.Repository
	eval *trigger.Evaluator
}

func NewService(repo store.Repository, eval *trigger.Evaluator) *Service {
	return &Service{repo: repo, eval: eval}
}

type ScheduleInput struct {
	Tenant      string
	Name        string
	Timezone    string
	Trigger     domain.Trigger
	Target      domain.Target
	Payload     json.RawMessage
	CalendarKey string
}

// CreateSchedule validates the spec, arms the first fire instant and
// persists the schedule.
func (s *Service) CreateSchedule(ctx context.Context, in ScheduleInput) (domain.Schedule, error) {
	now := time.Now()
	sched, err := domain.NewSchedule("sch_"+uuid.NewString(), in.Tenant, in.Name, in.Timezone,
		in.Trigger, in.Target, in.Payload, in.CalendarKey, now)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := s.eval.Validate(sched.Trigger); err != nil {
		return domain.Schedule{}, err
	}
	cal, err := s.calendarFor(ctx, sched)
	if err != nil {
		return domain.Schedule{}, err
	}
	next, err := s.eval.Next(sched.Trigger, sched.Timezone, now, cal)
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.NextFireAt = next
	if err := s.repo.SaveSchedule(ctx, sched); err != nil {
		return domain.Schedule{}, err
	}
	log.Info().Str("schedule_id", sched.ID).Str("tenant", sched.Tenant).Msg("schedule created")
	return sched, nil
}

// UpdateSchedule replaces the schedule's definition and re-arms the fire
// pointer when the recurrence inputs changed.
func (s *Service) UpdateSchedule(ctx context.Context, tenant, id string, in ScheduleInput) (domain.Schedule, error) {
	cur, err := s.repo.FindSchedule(ctx, tenant, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	now := time.Now()
	next, err := domain.NewSchedule(cur.ID, cur.Tenant, in.Name, in.Timezone,
		in.Trigger, in.Target, in.Payload, in.CalendarKey, now)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := s.eval.Validate(next.Trigger); err != nil {
		return domain.Schedule{}, err
	}
	next.CreatedAt = cur.CreatedAt
	next.Enabled = cur.Enabled
	next.LastFireAt = cur.LastFireAt
	next.NextFireAt = cur.NextFireAt
	next.Version = cur.Version + 1

	rearm := cur.Trigger != in.Trigger || cur.Timezone != in.Timezone || cur.CalendarKey != in.CalendarKey
	if rearm {
		cal, err := s.calendarFor(ctx, next)
		if err != nil {
			return domain.Schedule{}, err
		}
		fire, err := s.eval.Next(next.Trigger, next.Timezone, now, cal)
		if err != nil {
			return domain.Schedule{}, err
		}
		next.NextFireAt = fire
	}
	if err := s.repo.UpdateSchedule(ctx, next); err != nil {
		return domain.Schedule{}, err
	}
	return next, nil
}

func (s *Service) EnableSchedule(ctx context.Context, tenant, id string) (domain.Schedule, error) {
	return s.setEnabled(ctx, tenant, id, true)
}

func (s *Service) DisableSchedule(ctx context.Context, tenant, id string) (domain.Schedule, error) {
	return s.setEnabled(ctx, tenant, id, false)
}

func (s *Service) setEnabled(ctx context.Context, tenant, id string, enabled bool) (domain.Schedule, error) {
	cur, err := s.repo.FindSchedule(ctx, tenant, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	now := time.Now()
	var next domain.Schedule
	if enabled {
		next = cur.Enable(now)
	} else {
		next = cur.Disable(now)
	}
	if err := s.repo.UpdateSchedule(ctx, next); err != nil {
		return domain.Schedule{}, err
	}
	return next, nil
}

func (s *Service) DeleteSchedule(ctx context.Context, tenant, id string) error {
	return s.repo.DeleteSchedule(ctx, tenant, id)
}

func (s *Service) DeleteJob(ctx context.Context, tenant, key string) error {
	return s.repo.DeleteJob(ctx, tenant, key)
}

func (s *Service) DeleteCalendar(ctx context.Context, tenant, key string) error {
	return s.repo.DeleteCalendar(ctx, tenant, key)
}

// DeleteWorker removes a registration outright; runs it still holds are
// picked up by the reaper's next sweep.
func (s *Service) DeleteWorker(ctx context.Context, tenant, id string) error {
	return s.repo.DeleteWorker(ctx, tenant, id)
}

// ManualTrigger forces an out-of-band run, bypassing nextFireAt. The
// dedupe key still derives from (schedule, fire instant), so two
// concurrent manual triggers for the same instant collapse to one run;
// the loser gets store.ErrDuplicateRun.
func (s *Service) ManualTrigger(ctx context.Context, tenant, id string, fireTime *time.Time, payload json.RawMessage) (domain.Run, error) {
	sched, err := s.repo.FindSchedule(ctx, tenant, id)
	if err != nil {
		return domain.Run{}, err
	}
	now := time.Now()
	fireAt := now
	if fireTime != nil {
		fireAt = *fireTime
	}
	if len(payload) == 0 {
		payload = sched.Payload
	}
	run, err := domain.NewRun("run_"+uuid.NewString(), tenant, sched.ID, "",
		sched.DedupeKey(fireAt), fireAt, 1, payload, now)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.repo.InsertRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicateRun) {
			metrics.RunsDeduped.WithLabelValues(tenant).Inc()
		}
		return domain.Run{}, err
	}
	metrics.RunsFired.WithLabelValues(tenant).Inc()
	log.Info().Str("schedule_id", sched.ID).Str("run_id", run.ID).Time("fire_at", fireAt).Msg("manual trigger")
	return run, nil
}

// Backfill materializes runs for the recurrence occurrences inside
// [from, to], hard-capped at maxRuns. Occurrences already materialized
// (same dedupe key) are skipped, so backfill is idempotent.
func (s *Service) Backfill(ctx context.Context, tenant, id string, from, to time.Time, step time.Duration, maxRuns int) ([]domain.Run, error) {
	sched, err := s.repo.FindSchedule(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	cal, err := s.calendarFor(ctx, sched)
	if err != nil {
		return nil, err
	}
	occurrences, err := s.eval.Occurrences(sched.Trigger, sched.Timezone, from, to, step, maxRuns, cal)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var created []domain.Run
	for _, fireAt := range occurrences {
		run, err := domain.NewRun("run_"+uuid.NewString(), tenant, sched.ID, "",
			sched.DedupeKey(fireAt), fireAt, 1, sched.Payload, now)
		if err != nil {
			return created, err
		}
		switch err := s.repo.InsertRun(ctx, run); {
		case errors.Is(err, store.ErrDuplicateRun):
			metrics.RunsDeduped.WithLabelValues(tenant).Inc()
		case err != nil:
			return created, err
		default:
			metrics.RunsFired.WithLabelValues(tenant).Inc()
			created = append(created, run)
		}
	}
	log.Info().Str("schedule_id", sched.ID).Int("runs", len(created)).Msg("backfill materialized")
	return created, nil
}

// TriggerJob creates a run directly from a registered job policy.
func (s *Service) TriggerJob(ctx context.Context, tenant, key string, payload json.RawMessage) (domain.Run, error) {
	job, err := s.repo.FindJob(ctx, tenant, key)
	if err != nil {
		return domain.Run{}, err
	}
	now := time.Now()
	run, err := domain.NewRun("run_"+uuid.NewString(), tenant, "", job.ID,
		job.ID+"@"+now.UTC().Format(time.RFC3339Nano), now, 1, payload, now)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	metrics.RunsFired.WithLabelValues(tenant).Inc()
	return run, nil
}

// RegisterWorker records a worker registration, online with a fresh
// heartbeat.
func (s *Service) RegisterWorker(ctx context.Context, tenant, name string, queues, jobKeys []string, maxParallel int) (domain.Worker, error) {
	w, err := domain.NewWorker("wrk_"+uuid.NewString(), tenant, name, queues, jobKeys, maxParallel, time.Now())
	if err != nil {
		return domain.Worker{}, err
	}
	if err := s.repo.SaveWorker(ctx, w); err != nil {
		return domain.Worker{}, err
	}
	log.Info().Str("worker_id", w.ID).Str("tenant", tenant).Int("max_parallel", maxParallel).Msg("worker registered")
	return w, nil
}

// WorkerHeartbeat refreshes liveness, retrying through version conflicts
// with concurrent capacity claims.
func (s *Service) WorkerHeartbeat(ctx context.Context, tenant, id string) (domain.Worker, error) {
	for attempt := 0; ; attempt++ {
		w, err := s.repo.FindWorker(ctx, tenant, id)
		if err != nil {
			return domain.Worker{}, err
		}
		beat := w.Heartbeat(time.Now())
		err = s.repo.UpdateWorker(ctx, beat)
		if err == nil {
			return beat, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= 4 {
			return domain.Worker{}, err
		}
	}
}

// WorkerOffline is the explicit administrative shutdown transition.
func (s *Service) WorkerOffline(ctx context.Context, tenant, id string) (domain.Worker, error) {
	w, err := s.repo.FindWorker(ctx, tenant, id)
	if err != nil {
		return domain.Worker{}, err
	}
	off := w.GoOffline()
	if err := s.repo.UpdateWorker(ctx, off); err != nil {
		return domain.Worker{}, err
	}
	return off, nil
}

type JobInput struct {
	Tenant           string
	Key              string
	Queue            string
	Priority         int
	MaxAttempts      int
	Backoff          domain.Backoff
	TimeoutSec       int
	ConcurrencyLimit *int
	SLASec           *int
}

func (s *Service) CreateJob(ctx context.Context, in JobInput) (domain.Job, error) {
	j, err := domain.NewJob("job_"+uuid.NewString(), in.Tenant, in.Key, in.Queue,
		in.Priority, in.MaxAttempts, in.Backoff, in.TimeoutSec, in.ConcurrencyLimit, in.SLASec)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.repo.SaveJob(ctx, j); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// CreateCalendar registers a tenant calendar.
func (s *Service) CreateCalendar(ctx context.Context, tenant, key, name string, holidays []string, businessDays map[string]bool) (domain.Calendar, error) {
	cal, err := domain.NewCalendar("cal_"+uuid.NewString(), tenant, key, name, holidays, businessDays)
	if err != nil {
		return domain.Calendar{}, err
	}
	if err := s.repo.SaveCalendar(ctx, cal); err != nil {
		return domain.Calendar{}, err
	}
	return cal, nil
}

// UpdateCalendar replaces the holiday set and business-day map wholesale.
func (s *Service) UpdateCalendar(ctx context.Context, tenant, key string, holidays []string, businessDays map[string]bool) (domain.Calendar, error) {
	cur, err := s.repo.FindCalendar(ctx, tenant, key)
	if err != nil {
		return domain.Calendar{}, err
	}
	next, err := cur.WithDays(holidays, businessDays)
	if err != nil {
		return domain.Calendar{}, err
	}
	if err := s.repo.UpdateCalendar(ctx, next); err != nil {
		return domain.Calendar{}, err
	}
	return next, nil
}

func (s *Service) calendarFor(ctx context.Context, sched domain.Schedule) (*domain.Calendar, error) {
	if sched.CalendarKey == "" {
		return nil, nil
	}
	cal, err := s.repo.FindCalendar(ctx, sched.Tenant, sched.CalendarKey)
	if err != nil {
		return nil, err
	}
	return &cal, nil
}
