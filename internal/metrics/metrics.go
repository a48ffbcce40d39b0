// Package metrics exposes Prometheus instrumentation for calibration runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Step outcomes.
const (
	OutcomePassed      = "passed"
	OutcomeFailed      = "failed"
	OutcomeWriteFailed = "write_failed"
)

// Metrics holds the collectors for one registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// StepsTotal counts recorded and attempted steps per controller.
	StepsTotal *prometheus.CounterVec
	// ThermalEvents counts cool-downs and aborts per controller.
	ThermalEvents *prometheus.CounterVec
	// AchievedSpeed is the last measured speed per controller.
	AchievedSpeed *prometheus.GaugeVec
	// StepDuration times write-settle-measure cycles.
	StepDuration *prometheus.HistogramVec
	// RunsTotal counts comparison runs by result.
	RunsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scootcal_calibration_steps_total",
				Help: "Calibration steps per controller by outcome.",
			},
			[]string{"controller", "outcome"}, // outcome: passed/failed/write_failed
		),
		ThermalEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scootcal_thermal_events_total",
				Help: "Thermal policy interventions per controller.",
			},
			[]string{"controller", "verdict"}, // verdict: cool_down/abort
		),
		AchievedSpeed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scootcal_achieved_speed_kmh",
				Help: "Most recent measured speed per controller.",
			},
			[]string{"controller"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scootcal_step_duration_seconds",
				Help:    "Duration of one write, settle and measure cycle.",
				Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60},
			},
			[]string{"controller"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scootcal_runs_total",
				Help: "Comparison runs by result.",
			},
			[]string{"result"}, // result: completed/incomplete_setup/cancelled
		),
	}
	if reg != nil {
		reg.MustRegister(m.StepsTotal, m.ThermalEvents, m.AchievedSpeed, m.StepDuration, m.RunsTotal)
	}
	return m
}

// ObserveStep records one step's outcome, speed and duration.
func (m *Metrics) ObserveStep(controller, outcome string, actualKmh int, took time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(controller, outcome).Inc()
	if outcome != OutcomeWriteFailed {
		m.AchievedSpeed.WithLabelValues(controller).Set(float64(actualKmh))
	}
	m.StepDuration.WithLabelValues(controller).Observe(took.Seconds())
}

func (m *Metrics) ObserveThermal(controller, verdict string) {
	if m == nil {
		return
	}
	m.ThermalEvents.WithLabelValues(controller, verdict).Inc()
}

func (m *Metrics) ObserveRun(result string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
}
