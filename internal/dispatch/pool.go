package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tempo/internal/domain"
	"tempo/internal/metrics"
	"tempo/internal/store"
	"tempo/internal/transport"
)

// DefaultQueue is the policy queue for runs whose target is delivered
// directly (event, http) rather than bound to a registered job.
const DefaultQueue = "default"

// claimRetries bounds how many workers a single admission attempt tries
// before leaving the run pending for the next tick.
const claimRetries = 3

// limiterCacheSize bounds the per-tenant limiter cache so a long-lived
// process serving many tenants cannot grow it without bound. Evicting a
// cold tenant merely resets its token bucket.
const limiterCacheSize = 1024

type PoolConfig struct {
	Size               int           // max in-flight executions
	Poll               time.Duration // pending-run poll interval
	Batch              int           // pending runs fetched per tick
	WorkerTimeout      time.Duration // heartbeat bound for admission
	TenantRate         float64       // sustained dispatches/sec per tenant, 0 = unlimited
	TenantBurst        int
	DefaultTimeoutSec  int // timeout for runs without a bound job policy
	DefaultMaxAttempts int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 8
	}
	if c.Poll <= 0 {
		c.Poll = 250 * time.Millisecond
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = time.Minute
	}
	if c.TenantBurst <= 0 {
		c.TenantBurst = 1
	}
	if c.DefaultTimeoutSec <= 0 {
		c.DefaultTimeoutSec = 30
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	return c
}

// Pool claims pending runs, admits them to a worker with spare capacity
// and matching capabilities, and executes the target transport bounded
// by the owning policy's timeout.
type Pool struct {
	repo     store.Repository
	events   transport.EventPublisher
	httpc    transport.HTTPInvoker
	queues   transport.Queuer
	cfg      PoolConfig
	sem      chan struct{}
	limiters *lru.Cache[string, *rate.Limiter]
}

func NewPool(repo store.Repository, events transport.EventPublisher, httpc transport.HTTPInvoker, queues transport.Queuer, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	limiters, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		// Static positive size; construction cannot fail.
		panic(err)
	}
	return &Pool{
		repo: repo, events: events, httpc: httpc, queues: queues,
		cfg: cfg, sem: make(chan struct{}, cfg.Size),
		limiters: limiters,
	}
}

func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Poll)
	defer ticker.Stop()

	log.Info().Int("size", p.cfg.Size).Dur("poll", p.cfg.Poll).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.tick(ctx, now)
		}
	}
}

func (p *Pool) tick(ctx context.Context, now time.Time) {
	runs, err := p.repo.ListRunsByStatus(ctx, domain.RunPending, p.cfg.Batch)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending runs")
		return
	}
	for _, run := range runs {
		if run.FireAt.After(now) {
			continue // retry run waiting out its backoff
		}
		if !p.limiter(run.Tenant).Allow() {
			continue
		}
		p.dispatch(ctx, run, now)
	}
}

// limiter returns the per-tenant rate limiter, creating it on first use.
func (p *Pool) limiter(tenant string) *rate.Limiter {
	if l, ok := p.limiters.Get(tenant); ok {
		return l
	}
	lim := rate.Inf
	if p.cfg.TenantRate > 0 {
		lim = rate.Limit(p.cfg.TenantRate)
	}
	l := rate.NewLimiter(lim, p.cfg.TenantBurst)
	p.limiters.Add(tenant, l)
	return l
}

func (p *Pool) dispatch(ctx context.Context, run domain.Run, now time.Time) {
	policy, target, payload, err := p.resolve(ctx, run)
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("run is unresolvable")
		if dead, derr := run.MarkDead(err.Error(), now); derr == nil {
			if uerr := p.repo.UpdateRun(ctx, dead); uerr == nil {
				metrics.RunsDead.WithLabelValues(run.Tenant).Inc()
			}
		}
		return
	}

	jobKey := ""
	if policy.ID != "" {
		jobKey = policy.JobKey()
	}
	worker, ok := p.claimWorker(ctx, run.Tenant, policy.QueueKey(), jobKey, now)
	if !ok {
		return // no eligible capacity; the run stays pending
	}

	started, err := run.Start(worker.ID, now)
	if err != nil {
		p.releaseWorker(ctx, worker.Tenant, worker.ID)
		return
	}
	if err := p.repo.UpdateRun(ctx, started); err != nil {
		// Another pool instance claimed this run first.
		p.releaseWorker(ctx, worker.Tenant, worker.ID)
		return
	}

	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		defer p.releaseWorker(ctx, worker.Tenant, worker.ID)
		p.execute(ctx, started, policy, target, payload)
	}()
}

// resolve binds a run to its execution policy and delivery target. A
// QUEUE-target schedule binds to the job registered on that queue; runs
// with no bound job execute under the pool's default policy.
func (p *Pool) resolve(ctx context.Context, run domain.Run) (domain.Job, *domain.Target, []byte, error) {
	if run.JobID != "" {
		job, err := p.repo.FindJobByID(ctx, run.Tenant, run.JobID)
		if err != nil {
			return domain.Job{}, nil, nil, err
		}
		return job, nil, run.Payload, nil
	}

	s, err := p.repo.FindSchedule(ctx, run.Tenant, run.ScheduleID)
	if err != nil {
		return domain.Job{}, nil, nil, err
	}
	target := s.Target
	payload := run.Payload
	if len(payload) == 0 {
		payload = s.Payload
	}

	if target.Kind == domain.TargetQueue {
		job, err := p.repo.FindJobByQueue(ctx, run.Tenant, target.Topic)
		if err == nil {
			return job, &target, payload, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Job{}, nil, nil, err
		}
	}
	return p.defaultPolicy(run.Tenant), &target, payload, nil
}

// defaultPolicy governs runs with no registered job: a few attempts
// with exponential backoff capped at a minute.
func (p *Pool) defaultPolicy(tenant string) domain.Job {
	maxSec := 60
	j, err := domain.NewJob("job_default", tenant, DefaultQueue, DefaultQueue, 5, p.cfg.DefaultMaxAttempts,
		domain.Backoff{Strategy: domain.BackoffExponential, BaseSec: 1, MaxSec: &maxSec},
		p.cfg.DefaultTimeoutSec, nil, nil)
	if err != nil {
		// Static inputs; construction cannot fail.
		panic(err)
	}
	j.ID = "" // marks the policy as unbound so admission skips job-key matching
	return j
}

// claimWorker finds an online, healthy worker with matching capability
// and atomically takes one capacity slot. A version conflict means
// another dispatcher took the slot; the next candidate is tried.
func (p *Pool) claimWorker(ctx context.Context, tenant, queueKey, jobKey string, now time.Time) (domain.Worker, bool) {
	workers, err := p.repo.ListOnlineWorkers(ctx, tenant)
	if err != nil {
		log.Error().Err(err).Msg("failed to list workers")
		return domain.Worker{}, false
	}
	tried := 0
	for _, w := range workers {
		if tried >= claimRetries {
			break
		}
		if !w.IsHealthy(p.cfg.WorkerTimeout, now) || !w.CanAcceptJob(queueKey, jobKey) {
			continue
		}
		claimed, err := w.StartJob()
		if err != nil {
			continue
		}
		tried++
		if err := p.repo.UpdateWorker(ctx, claimed); err != nil {
			continue
		}
		return claimed, true
	}
	return domain.Worker{}, false
}

// releaseWorker returns a capacity slot, retrying through version
// conflicts with concurrent claims on the same worker.
func (p *Pool) releaseWorker(ctx context.Context, tenant, id string) {
	for attempt := 0; attempt < 5; attempt++ {
		w, err := p.repo.FindWorker(ctx, tenant, id)
		if err != nil {
			return
		}
		freed, err := w.FinishJob()
		if err != nil {
			return
		}
		err = p.repo.UpdateWorker(ctx, freed)
		if err == nil || !errors.Is(err, store.ErrVersionConflict) {
			return
		}
	}
	log.Warn().Str("worker_id", id).Msg("could not release worker slot")
}

func (p *Pool) execute(ctx context.Context, run domain.Run, policy domain.Job, target *domain.Target, payload []byte) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.TimeoutSec)*time.Second)
	defer cancel()

	res, err := p.deliver(callCtx, run, policy, target, payload)
	now := time.Now()

	if err == nil {
		done, terr := run.Succeed(now)
		if terr != nil {
			log.Error().Err(terr).Str("run_id", run.ID).Msg("succeed transition rejected")
			return
		}
		if uerr := p.repo.UpdateRun(ctx, done); uerr != nil {
			log.Error().Err(uerr).Str("run_id", run.ID).Msg("failed to persist success")
			return
		}
		metrics.RunsSucceeded.WithLabelValues(run.Tenant).Inc()
		p.checkSLA(done, policy, now)
		log.Info().Str("run_id", run.ID).Int64("elapsed_ms", res.ElapsedMs).Msg("run succeeded")
		return
	}

	if run.Attempt >= policy.MaxAttempts {
		dead, terr := run.MarkDead(err.Error(), now)
		if terr != nil {
			return
		}
		if uerr := p.repo.UpdateRun(ctx, dead); uerr != nil {
			log.Error().Err(uerr).Str("run_id", run.ID).Msg("failed to persist dead run")
			return
		}
		metrics.RunsDead.WithLabelValues(run.Tenant).Inc()
		log.Error().Str("run_id", run.ID).Int("attempt", run.Attempt).Err(err).Msg("retries exhausted, run is dead")
		return
	}

	failed, terr := run.Fail(err.Error(), now)
	if terr != nil {
		return
	}
	if uerr := p.repo.UpdateRun(ctx, failed); uerr != nil {
		log.Error().Err(uerr).Str("run_id", run.ID).Msg("failed to persist failure")
		return
	}
	metrics.RunsFailed.WithLabelValues(run.Tenant).Inc()
	p.checkSLA(failed, policy, now)

	if failed.CanRetry() {
		p.scheduleRetry(ctx, failed, policy, now)
	}
}

func (p *Pool) deliver(ctx context.Context, run domain.Run, policy domain.Job, target *domain.Target, payload []byte) (transport.Result, error) {
	if target == nil {
		// Job-origin run: the work is delivery onto the job's queue.
		return p.queues.Enqueue(ctx, policy.QueueKey(), payload)
	}
	switch target.Kind {
	case domain.TargetEvent:
		return p.events.Publish(ctx, target.Topic, payload)
	case domain.TargetHTTP:
		return p.httpc.Invoke(ctx, target.URL, target.Method, target.Headers, payload, target.HMACKeyRef)
	case domain.TargetQueue:
		return p.queues.Enqueue(ctx, run.Tenant+":"+target.Topic, payload)
	default:
		return transport.Result{}, domain.ErrUnknownTarget
	}
}

// scheduleRetry materializes attempt+1 as a fresh pending run whose fire
// instant honors the policy's backoff delay. The dedupe key derives from
// the original fire instant plus the attempt ordinal, so retries are
// idempotent under concurrent failure handling too.
func (p *Pool) scheduleRetry(ctx context.Context, failed domain.Run, policy domain.Job, now time.Time) {
	attempt := failed.Attempt + 1
	delay := policy.BackoffDelay(attempt)

	retry, err := domain.NewRun("run_"+uuid.NewString(), failed.Tenant,
		failed.ScheduleID, failed.JobID, retryKey(failed.DedupeKey, attempt),
		now.Add(delay), attempt, failed.Payload, now)
	if err != nil {
		log.Error().Err(err).Str("run_id", failed.ID).Msg("failed to build retry run")
		return
	}
	switch err := p.repo.InsertRun(ctx, retry); {
	case errors.Is(err, store.ErrDuplicateRun):
		// Another pool already scheduled this attempt.
	case err != nil:
		log.Error().Err(err).Str("run_id", failed.ID).Msg("failed to schedule retry")
	default:
		log.Info().Str("run_id", retry.ID).Int("attempt", attempt).Dur("delay", delay).Msg("retry scheduled")
	}
}

func retryKey(dedupeKey string, attempt int) string {
	if i := strings.Index(dedupeKey, "#a"); i >= 0 {
		dedupeKey = dedupeKey[:i]
	}
	return dedupeKey + "#a" + strconv.Itoa(attempt)
}

// checkSLA reports a violated SLA bound without touching the run's
// terminal status.
func (p *Pool) checkSLA(run domain.Run, policy domain.Job, now time.Time) {
	if run.StartedAt == nil {
		return
	}
	if policy.IsSLAViolated(*run.StartedAt, run.FinishedAt, now) {
		metrics.SLAViolations.WithLabelValues(run.Tenant).Inc()
		log.Warn().Str("run_id", run.ID).Int("sla_sec", *policy.SLASec).Msg("run violated its SLA")
	}
}
