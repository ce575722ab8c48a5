package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"tempo/internal/domain"
	"tempo/internal/metrics"
	"tempo/internal/store"
)

type ReaperConfig struct {
	Interval      time.Duration // sweep period
	WorkerTimeout time.Duration // heartbeat lapse before a worker is demoted
	PendingGrace  time.Duration // how long a due run may wait before it is missed
	Batch         int
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = time.Minute
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 5 * time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 500
	}
	return c
}

// Reaper is the periodic sweep: it demotes workers with lapsed
// heartbeats, kills runs held by unhealthy workers, and marks due runs
// nobody claimed as missed. Liveness is a sweep, not an exception path.
type Reaper struct {
	repo store.Repository
	cfg  ReaperConfig
}

func NewReaper(repo store.Repository, cfg ReaperConfig) *Reaper {
	return &Reaper{repo: repo, cfg: cfg.withDefaults()}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.cfg.Interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(ctx, now)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context, now time.Time) {
	r.reapWorkers(ctx, now)
	r.reapRunning(ctx, now)
	r.reapPending(ctx, now)
}

func (r *Reaper) reapWorkers(ctx context.Context, now time.Time) {
	stale, err := r.repo.ListStaleWorkers(ctx, now.Add(-r.cfg.WorkerTimeout))
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale workers")
		return
	}
	for _, w := range stale {
		if err := r.repo.UpdateWorker(ctx, w.GoOffline()); err != nil {
			if !errors.Is(err, store.ErrVersionConflict) {
				log.Error().Err(err).Str("worker_id", w.ID).Msg("failed to demote worker")
			}
			continue
		}
		metrics.WorkersReaped.Inc()
		log.Warn().Str("worker_id", w.ID).Time("heartbeat_at", w.HeartbeatAt).Msg("worker heartbeat lapsed, going offline")
	}
}

// reapRunning kills runs whose worker has disappeared or stopped
// heartbeating while the run was in flight.
func (r *Reaper) reapRunning(ctx context.Context, now time.Time) {
	runs, err := r.repo.ListRunsByStatus(ctx, domain.RunRunning, r.cfg.Batch)
	if err != nil {
		log.Error().Err(err).Msg("failed to list running runs")
		return
	}
	for _, run := range runs {
		w, err := r.repo.FindWorker(ctx, run.Tenant, run.WorkerID)
		healthy := err == nil && w.Status == domain.WorkerOnline && w.IsHealthy(r.cfg.WorkerTimeout, now)
		if healthy {
			continue
		}
		dead, terr := run.MarkDead("worker unavailable during execution", now)
		if terr != nil {
			continue
		}
		if uerr := r.repo.UpdateRun(ctx, dead); uerr != nil {
			if !errors.Is(uerr, store.ErrVersionConflict) {
				log.Error().Err(uerr).Str("run_id", run.ID).Msg("failed to kill abandoned run")
			}
			continue
		}
		metrics.RunsDead.WithLabelValues(run.Tenant).Inc()
		log.Warn().Str("run_id", run.ID).Str("worker_id", run.WorkerID).Msg("run abandoned by worker, marked dead")
	}
}

// reapPending marks due runs that aged past the grace window with no
// claim. Retry runs waiting out a backoff delay are not yet due and are
// left alone.
func (r *Reaper) reapPending(ctx context.Context, now time.Time) {
	runs, err := r.repo.ListRunsByStatus(ctx, domain.RunPending, r.cfg.Batch)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending runs")
		return
	}
	cutoff := now.Add(-r.cfg.PendingGrace)
	for _, run := range runs {
		if run.FireAt.After(cutoff) {
			continue
		}
		missed, terr := run.MarkMissed(now)
		if terr != nil {
			continue
		}
		if uerr := r.repo.UpdateRun(ctx, missed); uerr != nil {
			if !errors.Is(uerr, store.ErrVersionConflict) {
				log.Error().Err(uerr).Str("run_id", run.ID).Msg("failed to mark run missed")
			}
			continue
		}
		metrics.RunsMissed.WithLabelValues(run.Tenant).Inc()
		log.Warn().Str("run_id", run.ID).Time("fire_at", run.FireAt).Msg("run aged out unclaimed, marked missed")
	}
}
