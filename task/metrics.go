package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "tasks_created_total",
		Help:      "Tasks created from inbound requests.",
	})

	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "tasks_completed_total",
		Help:      "Tasks completed with a published result.",
	})

	delegations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "task_delegations_total",
		Help:      "Sub-task delegation requests issued.",
	})

	duplicateResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "task_duplicate_results_total",
		Help:      "Duplicate sub-task results ignored under first-write-wins.",
	})

	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planflow",
		Name:      "task_version_conflicts_total",
		Help:      "Compare-and-swap conflicts retried by the engine.",
	})
)
