package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/repoautomator/prmirror/internal/mirror"
)

var (
	MirrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prmirror_mirrors_total",
			Help: "Mirror attempts by outcome",
		},
		[]string{"mirror", "outcome"},
	)

	MirrorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prmirror_mirror_duration_seconds",
			Help:    "Duration of a complete clone, push and pull request creation",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mirror"},
	)

	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prmirror_webhooks_total",
			Help: "Webhook deliveries by mirror and whether they were accepted",
		},
		[]string{"mirror", "result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prmirror_reconcile_sweep_duration_seconds",
			Help:    "Duration of a reconciliation sweep over all open mirror records",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	LastSweepEnd = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prmirror_last_reconcile_sweep_end_timestamp",
			Help: "Unix timestamp of when the last reconciliation sweep ended",
		},
	)

	RecordsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prmirror_records_reconciled_total",
			Help: "Mirror records reconciled by outcome",
		},
		[]string{"outcome"},
	)

	PullRequestsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prmirror_pull_requests_merged_total",
			Help: "Primary pull requests merged after their mirror merged",
		},
	)

	CommentsReplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prmirror_comments_replicated_total",
			Help: "Comments posted to primary pull requests by outcome",
		},
		[]string{"outcome"},
	)
)

// outcome labels transient failures apart, since the next cycle retries
// them without intervention.
// PoolPending exports the number of queued tasks reported by pending.
func PoolPending(pending func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "prmirror_pool_pending_tasks",
		Help: "Tasks waiting for a free worker",
	}, pending)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case mirror.IsTransient(err):
		return "transient"
	}
	return "failure"
}

func MirrorDone(mirror string, start time.Time, err error) {
	MirrorsTotal.WithLabelValues(mirror, outcome(err)).Inc()
	MirrorDuration.WithLabelValues(mirror).Observe(time.Since(start).Seconds())
}

func SweepDone(start time.Time) {
	SweepDuration.Observe(time.Since(start).Seconds())
	LastSweepEnd.SetToCurrentTime()
}

func RecordReconciled(err error) {
	RecordsReconciled.WithLabelValues(outcome(err)).Inc()
}

func CommentPosted(err error) {
	CommentsReplicated.WithLabelValues(outcome(err)).Inc()
}
