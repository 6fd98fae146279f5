package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gitOperationFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prmirror_git_operation_failed_total",
			Help: "Total number of failed git clone, checkout and push operations",
		},
		[]string{"operation"},
	)

	gitOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prmirror_git_operation_duration_seconds",
			Help:    "Git operation duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

func GitOperation(op string, start time.Time, err error) {
	gitOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		gitOperationFailed.WithLabelValues(op).Inc()
	}
}
