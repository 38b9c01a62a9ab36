package plan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	plansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "plans_created_total",
		Help:      "Plans instantiated from goal events.",
	})

	transitionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "plan_transitions_total",
		Help:      "State transitions applied to plans.",
	})

	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "plan_version_conflicts_total",
		Help:      "Compare-and-swap conflicts retried by the runner.",
	})

	plansFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "plans_finalized_total",
		Help:      "Plans finalized with a terminal result.",
	})

	plansFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "plans_failed_total",
		Help:      "Plans marked failed.",
	})

	definitionsReloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "plan_definitions_reloaded_total",
		Help:      "Definition library reloads triggered by file changes.",
	})
)
