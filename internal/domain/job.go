package domain

import (
	"time"
)

// BackoffStrategy enumerates the retry delay policies.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff is the delay policy applied between retry attempts.
type Backoff struct {
	Strategy BackoffStrategy `json:"strategy"`
	BaseSec  int             `json:"base_sec"`
	MaxSec   *int            `json:"max_sec,omitempty"`
}

const (
	MinPriority = 1
	MaxPriority = 9
)

// Job is a pure execution-policy descriptor consulted when dispatch goes
// through the worker pool. It carries no behavior beyond validation,
// backoff arithmetic and the SLA predicate.
type Job struct {
	ID               string
	Tenant           string
	Key              string
	Queue            string
	Priority         int
	MaxAttempts      int
	Backoff          Backoff
	TimeoutSec       int
	ConcurrencyLimit *int
	SLASec           *int
	Enabled          bool
	Version          int64
}

// NewJob validates every positive-integer field and clamps priority to
// [MinPriority, MaxPriority].
func NewJob(id, tenant, key, queue string, priority, maxAttempts int, backoff Backoff, timeoutSec int, concurrencyLimit, slaSec *int) (Job, error) {
	if id == "" {
		return Job{}, configErr("job", "id", "is required")
	}
	if tenant == "" {
		return Job{}, configErr("job", "tenant", "is required")
	}
	if key == "" {
		return Job{}, configErr("job", "key", "is required")
	}
	if queue == "" {
		return Job{}, configErr("job", "queue", "is required")
	}
	if maxAttempts < 1 {
		return Job{}, configErr("job", "max_attempts", "must be >= 1")
	}
	if timeoutSec < 1 {
		return Job{}, configErr("job", "timeout_sec", "must be >= 1")
	}
	if backoff.Strategy != BackoffFixed && backoff.Strategy != BackoffExponential {
		return Job{}, configErr("job", "backoff.strategy", "must be fixed or exponential")
	}
	if backoff.BaseSec < 0 {
		return Job{}, configErr("job", "backoff.base_sec", "must not be negative")
	}
	if backoff.MaxSec != nil && *backoff.MaxSec < 1 {
		return Job{}, configErr("job", "backoff.max_sec", "must be >= 1")
	}
	if concurrencyLimit != nil && *concurrencyLimit < 1 {
		return Job{}, configErr("job", "concurrency_limit", "must be >= 1")
	}
	if slaSec != nil && *slaSec < 1 {
		return Job{}, configErr("job", "sla_sec", "must be >= 1")
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return Job{
		ID: id, Tenant: tenant, Key: key, Queue: queue,
		Priority: priority, MaxAttempts: maxAttempts, Backoff: backoff,
		TimeoutSec: timeoutSec, ConcurrencyLimit: concurrencyLimit,
		SLASec: slaSec, Enabled: true, Version: 1,
	}, nil
}

// Enable returns a new enabled snapshot with a bumped version.
func (j Job) Enable() Job {
	j.Enabled = true
	j.Version++
	return j
}

// Disable returns a new disabled snapshot with a bumped version.
func (j Job) Disable() Job {
	j.Enabled = false
	j.Version++
	return j
}

// BackoffDelay returns the delay before the given attempt. Attempt 1 is
// the first try and waits nothing. For exponential policies attempt 2
// waits base, attempt 3 waits 2x base and so on, clamped at max.
func (j Job) BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := time.Duration(j.Backoff.BaseSec) * time.Second
	var d time.Duration
	switch j.Backoff.Strategy {
	case BackoffExponential:
		d = base << uint(attempt-2)
		if d < base { // overflow guard for absurd attempt counts
			d = base
		}
	default:
		d = base
	}
	if j.Backoff.MaxSec != nil {
		if lim := time.Duration(*j.Backoff.MaxSec) * time.Second; d > lim {
			d = lim
		}
	}
	return d
}

// IsSLAViolated compares elapsed seconds against the SLA bound. A still
// running job (finishedAt nil) is measured against now. Absent SLA means
// never violated. Violation is a reported condition, not an error.
func (j Job) IsSLAViolated(startedAt time.Time, finishedAt *time.Time, now time.Time) bool {
	if j.SLASec == nil {
		return false
	}
	end := now
	if finishedAt != nil {
		end = *finishedAt
	}
	return end.Sub(startedAt) > time.Duration(*j.SLASec)*time.Second
}

// QueueKey namespaces the queue by tenant to prevent cross-tenant
// admission collisions.
func (j Job) QueueKey() string {
	return j.Tenant + ":" + j.Queue
}

// JobKey namespaces the job key by tenant.
func (j Job) JobKey() string {
	return j.Tenant + ":" + j.Key
}
