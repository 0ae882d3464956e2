package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RedemptionsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemptions_committed_total",
		Help: "Total number of redemptions committed against the ledger",
	})

	RedemptionsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemptions_denied_total",
		Help: "Total number of redemptions denied by policy evaluation",
	}, []string{"reason"})

	RedemptionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemptions_failed_total",
		Help: "Total number of redemptions that failed outside policy evaluation",
	}, []string{"reason"})

	RedemptionReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_reconciliations_total",
		Help: "Total number of ledger reconciliation queries after ambiguous commits",
	}, []string{"outcome"})

	LedgerRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_latency_seconds",
		Help:    "Latency of budget ledger requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	BudgetSnapshotRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "budget_snapshot_refresh_total",
		Help: "Total number of cached budget snapshot refreshes",
	}, []string{"result"})

	AssignmentsAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignments_allocated_total",
		Help: "Total number of content assignments allocated",
	})

	AssignmentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_transitions_total",
		Help: "Total number of assignment lifecycle transitions",
	}, []string{"to"})

	AssignmentConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignment_conflicts_total",
		Help: "Total number of assignment transitions lost to a stale version token",
	})

	AssignmentSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assignment_sweep_duration_seconds",
		Help:    "Duration of expiration sweep runs",
		Buckets: prometheus.DefBuckets,
	})

	AccessRequestsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "access_requests_submitted_total",
		Help: "Total number of learner access requests submitted",
	})

	AccessRequestTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_request_transitions_total",
		Help: "Total number of access request lifecycle transitions",
	}, []string{"to"})

	AccessRequestRemindersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "access_request_reminders_total",
		Help: "Total number of reminder events published for unreviewed requests",
	})

	WorkflowRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_runs_total",
		Help: "Total number of workflow runs by final state",
	}, []string{"state"})

	WorkflowStepRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_step_retries_total",
		Help: "Total number of workflow step retry attempts",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of domain events published",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
