package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"variant", // login, plain, scram-sha-256, scram-sha-1, scram-sha-256-plus, scram-sha-1-plus, preauth
			"result",  // ok, badcreds, error
		},
	)
)

func AuthenticationInc(variant, result string) {
	metricAuthentication.WithLabelValues(variant, result).Inc()
}
