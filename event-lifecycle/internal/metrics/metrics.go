// Package metrics holds the Prometheus collectors for the event lifecycle service.
// Labels never carry event or session ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProvisionedTotal counts provisioned scheduler jobs by purpose and outcome (created/updated).
	JobsProvisionedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_jobs_provisioned_total",
		Help: "Scheduler jobs provisioned for sessions, by purpose and outcome.",
	}, []string{"purpose", "outcome"})

	// JobProvisionFailuresTotal counts scheduler calls that ended in a scheduling fault.
	JobProvisionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_job_provision_failures_total",
		Help: "Scheduler job provisioning failures, by purpose.",
	}, []string{"purpose"})

	SessionsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_sessions_skipped_total",
		Help: "Sessions left unscheduled during a scheduling pass, by reason.",
	}, []string{"reason"})

	// TransitionsTotal counts lifecycle transitions by entity (event/session) and target status.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_transitions_total",
		Help: "Lifecycle state transitions, by entity and target status.",
	}, []string{"entity", "to"})

	OwnershipCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_ownership_cache_total",
		Help: "Ownership cache lookups and evictions, by result (hit/miss/error/evicted).",
	}, []string{"result"})

	JobsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_jobs_dispatched_total",
		Help: "Due scheduler jobs delivered to the queue, by action and result.",
	}, []string{"action", "result"})

	// JobsConsumedTotal counts fired-job messages handled by the lifecycle service, by result
	// (applied/discarded/retry).
	JobsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_lifecycle_jobs_consumed_total",
		Help: "Fired job messages consumed from the queue, by result.",
	}, []string{"result"})
)
