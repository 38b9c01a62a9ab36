package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var orphanResults = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "planflow",
	Name:      "orphan_results_total",
	Help:      "Results with no owning plan or task.",
})
