// Package observability holds the Prometheus metrics exported by the billing
// engine and its scheduler. Metrics register on the default registry and are
// served by the API under /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "circbill"

// ─── Ledger ─────────────────────────────────────────────────────────────────

var BillsVoided = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bills_voided_total",
	Help:      "Billings marked voided.",
})

var BillsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bills_created_total",
	Help:      "Billings created, by billing type id.",
}, []string{"btype"})

var AdjustmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "account_adjustments_created_total",
	Help:      "Account adjustments created by adjust-to-zero.",
})

var AdjustedCents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "account_adjustments_cents_total",
	Help:      "Total amount adjusted, in cents.",
})

var XactStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "xact_state_changes_total",
	Help:      "Transactions closed or reopened by the open/close check.",
}, []string{"change"})

// ─── Fines ──────────────────────────────────────────────────────────────────

var FinesCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fines_created_total",
	Help:      "Overdue fine billings created.",
})

var FineCents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fines_cents_total",
	Help:      "Total overdue fines charged, in cents.",
})

var FineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fine_runs_total",
	Help:      "Fine generation calls, by outcome.",
}, []string{"outcome"})

var GracePeriodsExtended = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "grace_periods_extended_total",
	Help:      "Grace periods lengthened over closed days.",
})

// ─── Penalties & Scheduler ──────────────────────────────────────────────────

var PenaltyChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "penalty_changes_total",
	Help:      "Standing penalties applied or cleared.",
}, []string{"action"})

var SchedulerRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "fine_scheduler_run_seconds",
	Help:      "Duration of fine scheduler runs.",
	Buckets:   prometheus.DefBuckets,
})

var SchedulerCirculations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "fine_scheduler_circulations_total",
	Help:      "Circulations visited by the fine scheduler, by result.",
}, []string{"result"})
