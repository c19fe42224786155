package driver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for pipes and executions
type Metrics struct {
	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge

	// Pipe metrics
	pipeBytes    *prometheus.CounterVec
	pipeChunks   *prometheus.CounterVec
	pipePauses   *prometheus.CounterVec
	pipeFailures *prometheus.CounterVec
}

// NewMetrics creates the driver metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_executions_total",
				Help: "Total number of executions by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driver_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"command"},
		),

		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driver_executions_active",
				Help: "Number of executions currently running",
			},
		),

		pipeBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_pipe_bytes_total",
				Help: "Total bytes moved through pipes",
			},
			[]string{"direction"},
		),

		pipeChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_pipe_chunks_total",
				Help: "Total chunks moved through pipes",
			},
			[]string{"direction"},
		),

		pipePauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_pipe_pauses_total",
				Help: "Number of times a pipe paused on a saturated destination",
			},
			[]string{"direction"},
		),

		pipeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_pipe_failures_total",
				Help: "Number of pipes that settled with an error",
			},
			[]string{"direction", "side"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.executionsTotal,
			m.executionDuration,
			m.executionsActive,
			m.pipeBytes,
			m.pipeChunks,
			m.pipePauses,
			m.pipeFailures,
		)
	}

	return m
}

// RecordExecutionStarted increments the active execution gauge
func (m *Metrics) RecordExecutionStarted() {
	m.executionsActive.Inc()
}

// RecordExecutionFinished records the outcome and duration of an execution
func (m *Metrics) RecordExecutionFinished(command, outcome string, duration time.Duration) {
	m.executionsActive.Dec()
	m.executionsTotal.WithLabelValues(command, outcome).Inc()
	m.executionDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordPipeChunk records one chunk written by a pipe
func (m *Metrics) RecordPipeChunk(direction string, size int) {
	m.pipeChunks.WithLabelValues(direction).Inc()
	m.pipeBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordPipePause records a pause caused by destination backpressure
func (m *Metrics) RecordPipePause(direction string) {
	m.pipePauses.WithLabelValues(direction).Inc()
}

// RecordPipeFailure records a pipe that failed on the given side
func (m *Metrics) RecordPipeFailure(direction, side string) {
	m.pipeFailures.WithLabelValues(direction, side).Inc()
}
