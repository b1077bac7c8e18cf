package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the coordinator's observability counters. Labels are kept
// low-cardinality: fixed result/reason/method enums only.
type metrics struct {
	refreshes      *prometheus.CounterVec
	logins         *prometheus.CounterVec
	sessionsClear  *prometheus.CounterVec
	healthTicks    prometheus.Counter
	sessionChanged prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posterm",
			Subsystem: "auth",
			Name:      "refresh_total",
			Help:      "Session refresh attempts by result.",
		}, []string{"result"}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posterm",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Successful sign-ins by method.",
		}, []string{"method"}),
		sessionsClear: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posterm",
			Subsystem: "auth",
			Name:      "sessions_cleared_total",
			Help:      "Forced session clears by reason.",
		}, []string{"reason"}),
		healthTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posterm",
			Subsystem: "auth",
			Name:      "health_checks_total",
			Help:      "Health check executions.",
		}),
		sessionChanged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posterm",
			Subsystem: "auth",
			Name:      "session_changed_total",
			Help:      "SessionChanged notifications published.",
		}),
	}
}
