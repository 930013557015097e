// Package metrics declares the Prometheus instruments for the exam server.
//
// Naming convention: namespace_subsystem_name
// - namespace: exam_server
// - subsystem: tcp, room, exam
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live TCP client connections (registry slots in use).
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "exam_server",
		Subsystem: "tcp",
		Name:      "connections_active",
		Help:      "Current number of connected clients",
	})

	// ActiveExams tracks rooms currently IN_PROGRESS.
	ActiveExams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "exam_server",
		Subsystem: "room",
		Name:      "exams_active",
		Help:      "Current number of rooms with an exam in progress",
	})

	// CommandsTotal counts processed commands by verb and response code.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exam_server",
		Subsystem: "tcp",
		Name:      "commands_total",
		Help:      "Total commands processed",
	}, []string{"verb", "code"})

	// CommandDuration tracks command handling latency.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "exam_server",
		Subsystem: "tcp",
		Name:      "command_seconds",
		Help:      "Time spent handling a command",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"verb"})

	// BroadcastRecipients counts sockets written during exam-start fan-out.
	BroadcastRecipients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exam_server",
		Subsystem: "room",
		Name:      "broadcast_recipients_total",
		Help:      "Total sockets written by START_EXAM broadcasts",
	})

	// ForceSubmits counts sweeper-driven submissions.
	ForceSubmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exam_server",
		Subsystem: "exam",
		Name:      "force_submits_total",
		Help:      "Total exam submissions forced by the deadline sweeper",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

// ObserveCommand records one handled command.
func ObserveCommand(verb string, code int, seconds float64) {
	CommandsTotal.WithLabelValues(verb, strconv.Itoa(code)).Inc()
	CommandDuration.WithLabelValues(verb).Observe(seconds)
}
