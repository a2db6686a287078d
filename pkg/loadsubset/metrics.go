package loadsubset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subsetLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "livequery_subset_loads_total",
	Help: "Cumulative number of subset load requests, by whether a load was issued or deduplicated.",
}, []string{"result"})
