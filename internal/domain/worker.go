package domain

import (
	"time"
)

// WorkerStatus enumerates worker liveness states.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// CapabilityWildcard matches any queue or job key.
const CapabilityWildcard = "*"

// Worker is a capacity-bounded, capability-matched executor registration.
// It tracks in-flight work by count only, never by object reference.
type Worker struct {
	ID          string
	Tenant      string
	Name        string
	Queues      []string
	JobKeys     []string
	HeartbeatAt time.Time
	Status      WorkerStatus
	MaxParallel int
	CurrentJobs int
	Version     int64
}

// NewWorker registers a worker online with a fresh heartbeat.
func NewWorker(id, tenant, name string, queues, jobKeys []string, maxParallel int, now time.Time) (Worker, error) {
	if id == "" {
		return Worker{}, configErr("worker", "id", "is required")
	}
	if tenant == "" {
		return Worker{}, configErr("worker", "tenant", "is required")
	}
	if maxParallel < 1 {
		return Worker{}, configErr("worker", "max_parallel", "must be >= 1")
	}
	if len(queues) == 0 {
		return Worker{}, configErr("worker", "queues", "must declare at least one queue")
	}
	return Worker{
		ID: id, Tenant: tenant, Name: name,
		Queues: queues, JobKeys: jobKeys,
		HeartbeatAt: now, Status: WorkerOnline,
		MaxParallel: maxParallel, Version: 1,
	}, nil
}

// CanAcceptJob requires online status, spare capacity, queue membership
// and, when a job key is given, job-key membership. Both capability
// lists honor the wildcard.
func (w Worker) CanAcceptJob(queue, jobKey string) bool {
	if w.Status != WorkerOnline || w.CurrentJobs >= w.MaxParallel {
		return false
	}
	if !matchCapability(w.Queues, queue) {
		return false
	}
	if jobKey != "" && !matchCapability(w.JobKeys, jobKey) {
		return false
	}
	return true
}

func matchCapability(list []string, want string) bool {
	for _, v := range list {
		if v == CapabilityWildcard || v == want {
			return true
		}
	}
	return false
}

// StartJob increments the in-flight counter. Exceeding maxParallel is an
// invariant breach, not a retryable condition.
func (w Worker) StartJob() (Worker, error) {
	if w.CurrentJobs >= w.MaxParallel {
		return Worker{}, transitionErr("worker", "at capacity", "start job")
	}
	w.CurrentJobs++
	w.Version++
	return w, nil
}

// FinishJob decrements the in-flight counter. Going below zero is an
// invariant breach.
func (w Worker) FinishJob() (Worker, error) {
	if w.CurrentJobs <= 0 {
		return Worker{}, transitionErr("worker", "idle", "finish job")
	}
	w.CurrentJobs--
	w.Version++
	return w, nil
}

// IsHealthy compares now against the last heartbeat.
func (w Worker) IsHealthy(timeout time.Duration, now time.Time) bool {
	return now.Sub(w.HeartbeatAt) <= timeout
}

// Heartbeat refreshes liveness and forces the worker online.
func (w Worker) Heartbeat(now time.Time) Worker {
	w.HeartbeatAt = now
	w.Status = WorkerOnline
	w.Version++
	return w
}

// GoOffline is an explicit administrative transition, independent of
// heartbeat.
func (w Worker) GoOffline() Worker {
	w.Status = WorkerOffline
	w.Version++
	return w
}

// GoOnline is the administrative counterpart of GoOffline.
func (w Worker) GoOnline() Worker {
	w.Status = WorkerOnline
	w.Version++
	return w
}

// Utilization is in-flight jobs over capacity, for the read surface.
func (w Worker) Utilization() float64 {
	return float64(w.CurrentJobs) / float64(w.MaxParallel)
}
