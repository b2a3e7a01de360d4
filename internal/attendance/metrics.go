package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	marksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_marks_accepted_total",
		Help: "Attendance marks accepted.",
	})
	marksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_marks_rejected_total",
		Help: "Attendance marks rejected by eligibility or network checks.",
	})
	marksRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_roster_retries_total",
		Help: "Roster writes queued for retry after a partial mark failure.",
	})
)
