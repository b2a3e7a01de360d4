package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_sessions_created_total",
		Help: "Attendance sessions created.",
	})
	sessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_sessions_ended_total",
		Help: "Attendance sessions ended by faculty.",
	})
	sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_sessions_expired_total",
		Help: "Attendance sessions flipped to expired by the lazy check.",
	})
)
