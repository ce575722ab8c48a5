package domain

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates the run lifecycle states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunDead      RunStatus = "dead"
	RunMissed    RunStatus = "missed"
)

// Terminal reports whether no further transition is permitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunDead, RunMissed:
		return true
	}
	return false
}

// Run is one firing attempt. Every transition returns a new snapshot and
// never mutates in place, so callers always reason about a specific
// observed state. FireAt is the scheduled instant (the dedupe input);
// CreatedAt is when the run was materialized. LatencyMs measures queue
// wait from materialization to start, not scheduling drift.
type Run struct {
	ID         string
	Tenant     string
	ScheduleID string // exactly one of ScheduleID/JobID is set
	JobID      string
	DedupeKey  string
	Status     RunStatus
	FireAt     time.Time
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Attempt    int
	Error      string
	LatencyMs  *int64
	DurationMs *int64
	WorkerID   string
	Payload    json.RawMessage
	Version    int64
}

// NewRun creates a Pending run for a fire instant. Exactly one of
// scheduleID/jobID must be set.
func NewRun(id, tenant, scheduleID, jobID, dedupeKey string, fireAt time.Time, attempt int, payload json.RawMessage, now time.Time) (Run, error) {
	if id == "" {
		return Run{}, configErr("run", "id", "is required")
	}
	if tenant == "" {
		return Run{}, configErr("run", "tenant", "is required")
	}
	if (scheduleID == "") == (jobID == "") {
		return Run{}, configErr("run", "schedule_id/job_id", "exactly one must be set")
	}
	if dedupeKey == "" {
		return Run{}, configErr("run", "dedupe_key", "is required")
	}
	if attempt < 1 {
		return Run{}, configErr("run", "attempt", "must be >= 1")
	}
	return Run{
		ID: id, Tenant: tenant, ScheduleID: scheduleID, JobID: jobID,
		DedupeKey: dedupeKey, Status: RunPending, FireAt: fireAt,
		CreatedAt: now, Attempt: attempt, Payload: payload, Version: 1,
	}, nil
}

// Start claims the run for a worker. Only valid from Pending. Records the
// queue-wait latency.
func (r Run) Start(workerID string, now time.Time) (Run, error) {
	if r.Status != RunPending {
		return Run{}, transitionErr("run", string(r.Status), string(RunRunning))
	}
	r.Status = RunRunning
	r.WorkerID = workerID
	r.StartedAt = &now
	lat := now.Sub(r.CreatedAt).Milliseconds()
	r.LatencyMs = &lat
	r.Version++
	return r, nil
}

// Succeed finishes the run. Only valid from Running.
func (r Run) Succeed(now time.Time) (Run, error) {
	if r.Status != RunRunning {
		return Run{}, transitionErr("run", string(r.Status), string(RunSucceeded))
	}
	return r.finish(RunSucceeded, "", now), nil
}

// Fail finishes the run with an execution error. Only valid from Running.
func (r Run) Fail(errMsg string, now time.Time) (Run, error) {
	if r.Status != RunRunning {
		return Run{}, transitionErr("run", string(r.Status), string(RunFailed))
	}
	return r.finish(RunFailed, errMsg, now), nil
}

// MarkDead forces a terminal state from any non-terminal one. Used by the
// reaper when a worker disappears mid-execution and by the pool when
// retries are exhausted.
func (r Run) MarkDead(errMsg string, now time.Time) (Run, error) {
	if r.Status.Terminal() {
		return Run{}, transitionErr("run", string(r.Status), string(RunDead))
	}
	return r.finish(RunDead, errMsg, now), nil
}

// MarkMissed records that the fire instant aged out with no claim. Only
// valid from Pending.
func (r Run) MarkMissed(now time.Time) (Run, error) {
	if r.Status != RunPending {
		return Run{}, transitionErr("run", string(r.Status), string(RunMissed))
	}
	r.Status = RunMissed
	r.FinishedAt = &now
	r.Version++
	return r, nil
}

func (r Run) finish(status RunStatus, errMsg string, now time.Time) Run {
	r.Status = status
	r.Error = errMsg
	r.FinishedAt = &now
	if r.StartedAt != nil {
		dur := now.Sub(*r.StartedAt).Milliseconds()
		r.DurationMs = &dur
	}
	r.Version++
	return r
}

// CanRetry is true only for a Failed run carrying an error. The caller
// consults the job's maxAttempts and backoff before creating attempt+1.
func (r Run) CanRetry() bool {
	return r.Status == RunFailed && r.Error != ""
}
