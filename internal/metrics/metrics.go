// Package metrics declares the Prometheus collectors repofs exports.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "repofs"

var (
	// CommandExecutions counts executed commands by kind and result.
	CommandExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "commands_total",
			Help:      "Executed commands by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// TransactionDuration observes executor transactions by mode.
	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "transaction_seconds",
			Help:      "Duration of executor transactions including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// PostErrorFailures counts cleanup commands that failed after a failed
	// main phase.
	PostErrorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "post_error_failures_total",
			Help:      "Post-error cleanup commands that failed.",
		},
	)

	// MonitorQueueDepth is the number of node events waiting per share.
	MonitorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "queue_depth",
			Help:      "Node events waiting to be processed.",
		},
		[]string{"share"},
	)

	// MonitorEvents counts processed node events by share, type and outcome.
	MonitorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Node events by type and outcome.",
		},
		[]string{"share", "type", "outcome"},
	)

	// CacheRequests counts metadata cache lookups by result.
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Metadata cache lookups by result.",
		},
		[]string{"result"},
	)

	// QuotaUsage is the tracked usage per user in bytes.
	QuotaUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "usage_bytes",
			Help:      "Tracked usage per user.",
		},
		[]string{"user"},
	)
)

// Collectors returns every collector declared here.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CommandExecutions,
		TransactionDuration,
		PostErrorFailures,
		MonitorQueueDepth,
		MonitorEvents,
		CacheRequests,
		QuotaUsage,
	}
}

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
