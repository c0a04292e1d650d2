package pgstartup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowsStarted counts startup flows that passed argument validation
	// and reached the message channel.
	FlowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Name:      "flows_started_total",
		Help:      "Total number of startup flows started",
	})

	// FlowsAuthenticated counts flows that observed the success signal.
	FlowsAuthenticated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Name:      "flows_authenticated_total",
		Help:      "Total number of startup flows that authenticated successfully",
	})

	// FlowsFailed counts flows terminated by a selector, handler,
	// channel, or cancellation error.
	FlowsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Name:      "flows_failed_total",
		Help:      "Total number of startup flows that failed",
	})

	// ChallengesReceived counts authentication challenges by mechanism.
	ChallengesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Name:      "auth_challenges_total",
		Help:      "Total number of authentication challenges received",
	}, []string{"mechanism"})

	// ActiveFlows tracks startup flows that have not yet completed.
	ActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pgstartup",
		Name:      "active_flows",
		Help:      "Current number of in-progress startup flows",
	})
)
