package worker

import "github.com/prometheus/client_golang/prometheus"

var stats = metrics{
	applied: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graph_loader",
		Subsystem: "worker",
		Name:      "updates_applied_total",
		Help:      "Number of updates applied to the graph store",
	}, []string{
		"driver",
	}),

	failed: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graph_loader",
		Subsystem: "worker",
		Name:      "updates_failed_total",
		Help:      "Number of updates the graph store rejected permanently or after exhausting retries",
	}, []string{
		"driver",
	}),

	deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graph_loader",
		Subsystem: "worker",
		Name:      "updates_dead_lettered_total",
		Help:      "Number of failed updates published to the error topic",
	}, []string{
		"driver",
	}),

	deadLetterFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graph_loader",
		Subsystem: "worker",
		Name:      "dead_letter_failures_total",
		Help:      "Number of failed updates that could not be published to the error topic",
	}, []string{
		"driver",
	}),

	cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graph_loader",
		Subsystem: "worker",
		Name:      "cycles_total",
		Help:      "Number of times a worker asked its driver for updates",
	}, []string{
		"driver",
	}),

	driverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graph_loader",
		Subsystem: "worker",
		Name:      "driver_errors_total",
		Help:      "Number of driver cycles that ended with an error or panic",
	}, []string{
		"driver",
	}),
}

type metrics struct {
	applied          *prometheus.CounterVec
	failed           *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	deadLetterFailed *prometheus.CounterVec
	cycles           *prometheus.CounterVec
	driverErrors     *prometheus.CounterVec
}

func init() {
	prometheus.MustRegister(stats.applied)
	prometheus.MustRegister(stats.failed)
	prometheus.MustRegister(stats.deadLettered)
	prometheus.MustRegister(stats.deadLetterFailed)
	prometheus.MustRegister(stats.cycles)
	prometheus.MustRegister(stats.driverErrors)
}

func (m *metrics) Applied(driver string) {
	m.applied.WithLabelValues(driver).Add(1)
}

func (m *metrics) Failed(driver string) {
	m.failed.WithLabelValues(driver).Add(1)
}

func (m *metrics) DeadLettered(driver string) {
	m.deadLettered.WithLabelValues(driver).Add(1)
}

func (m *metrics) DeadLetterFailed(driver string) {
	m.deadLetterFailed.WithLabelValues(driver).Add(1)
}

func (m *metrics) Cycle(driver string) {
	m.cycles.WithLabelValues(driver).Add(1)
}

func (m *metrics) DriverError(driver string) {
	m.driverErrors.WithLabelValues(driver).Add(1)
}
