package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionState = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_session_state_total",
			Help: "Session state transitions, by state entered.",
		},
		[]string{"state"},
	)
	metricCommand = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_command_total",
			Help: "Executed sync commands and their result.",
		},
		[]string{
			"command", // listfolders, syncfolder, pushflags, fetchpart, noop
			"result",  // ok, error, canceled
		},
	)
	metricSyncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_messages_total",
			Help: "Messages changed locally by synchronization.",
		},
		[]string{
			"kind", // new, deleted, flags, evicted, pushed
		},
	)
	metricConnect = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_connect_duration_seconds",
			Help:    "Time from connecting until ready to sync, including TLS and authentication.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	metricRetry = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_retry_total",
			Help: "Scheduled reconnects after a failure, by error kind.",
		},
		[]string{"kind"},
	)
)

func SessionStateInc(state string) {
	metricSessionState.WithLabelValues(state).Inc()
}

func CommandInc(command, result string) {
	metricCommand.WithLabelValues(command, result).Inc()
}

func SyncMessagesAdd(kind string, n int) {
	if n > 0 {
		metricSyncMessages.WithLabelValues(kind).Add(float64(n))
	}
}

func ConnectObserve(seconds float64) {
	metricConnect.Observe(seconds)
}

func RetryInc(kind string) {
	metricRetry.WithLabelValues(kind).Inc()
}
