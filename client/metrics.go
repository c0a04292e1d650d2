package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DialsTotal counts connection attempts, including retries.
	DialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Subsystem: "client",
		Name:      "dials_total",
		Help:      "Total number of connection attempts",
	})

	// DialRetriesTotal counts connection attempts that failed and were
	// retried.
	DialRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Subsystem: "client",
		Name:      "dial_retries_total",
		Help:      "Total number of failed connection attempts that were retried",
	})

	// ConversationsTotal counts wire conversations started.
	ConversationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgstartup",
		Subsystem: "client",
		Name:      "conversations_total",
		Help:      "Total number of wire conversations started",
	})
)
