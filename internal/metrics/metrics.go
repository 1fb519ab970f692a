// Package metrics registers the Prometheus collectors for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Scheduler struct {
	Runs          prometheus.Counter
	PlansApplied  prometheus.Counter
	PlanErrors    prometheus.Counter
	RecordsClosed prometheus.Counter
	DuePlans      prometheus.Gauge
}

func NewScheduler(reg prometheus.Registerer) *Scheduler {
	factory := promauto.With(reg)
	return &Scheduler{
		Runs: factory.NewCounter(prometheus.CounterOpts{
			Name: "transition_scheduler_runs_total",
			Help: "Number of scheduler invocations.",
		}),
		PlansApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "transition_plans_applied_total",
			Help: "Number of transition plans applied.",
		}),
		PlanErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "transition_plan_errors_total",
			Help: "Number of per-plan application failures.",
		}),
		RecordsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "service_records_closed_total",
			Help: "Number of event-host service records closed by the sweep.",
		}),
		DuePlans: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transition_due_plans",
			Help: "Approved plans past their effective date at the last health check.",
		}),
	}
}
