// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailsync_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Session Panic = "session"
	Alarm   Panic = "alarm"
	Ctl     Panic = "ctl"
)

func init() {
	// Initialize, so the counters show up with value 0.
	for _, p := range []Panic{Session, Alarm, Ctl} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

func PanicInc(p Panic) {
	metricPanic.WithLabelValues(string(p)).Inc()
}
