// Package metrics exposes dispatch counters on the default prometheus
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_runs_fired_total",
		Help: "Runs materialized from due schedules.",
	}, []string{"tenant"})

	RunsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_runs_deduped_total",
		Help: "Fire attempts discarded by the dedupe constraint.",
	}, []string{"tenant"})

	RunsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_runs_succeeded_total",
		Help: "Runs that finished successfully.",
	}, []string{"tenant"})

	RunsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_runs_failed_total",
		Help: "Runs that finished with an execution error.",
	}, []string{"tenant"})

	RunsDead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_runs_dead_total",
		Help: "Runs forced terminal after exhausted retries or lost workers.",
	}, []string{"tenant"})

	RunsMissed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_runs_missed_total",
		Help: "Pending runs that aged out without a claim.",
	}, []string{"tenant"})

	SLAViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_sla_violations_total",
		Help: "Runs whose duration exceeded the job SLA bound.",
	}, []string{"tenant"})

	WorkersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_workers_reaped_total",
		Help: "Workers demoted to offline after a lapsed heartbeat.",
	})
)
