package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs stored by kind.",
	}, []string{"kind"})

	jobsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedgate",
		Name:      "jobs_run_total",
		Help:      "Job executions by kind and result.",
	}, []string{"kind", "result"})
)
