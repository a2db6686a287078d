package livequery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	graphRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livequery_graph_runs_total",
		Help: "Cumulative number of live query graph runs.",
	})
	changesEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livequery_changes_emitted_total",
		Help: "Cumulative number of result changes emitted by live queries, by change type.",
	}, []string{"type"})
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livequery_errors_total",
		Help: "Cumulative number of live queries moved to the error state.",
	})
)
