// Package telemetry records training progress as Prometheus metrics and
// writes them to a node-exporter textfile next to the trained model.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FileName is the textfile written under the output directory.
const FileName = "metrics.prom"

// Metrics holds every series for one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TrainLoss        prometheus.Gauge
	EvalWER          prometheus.Gauge
	EvalLoss         prometheus.Gauge
	LearningRate     prometheus.Gauge
	GlobalStep       prometheus.Gauge
	ExamplesPrepared prometheus.Counter
	StepDuration     prometheus.Histogram
}

// New creates and registers the run metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechtune_train_loss",
			Help: "Most recent logged training loss",
		}),
		EvalWER: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechtune_eval_wer",
			Help: "Word error rate percentage of the latest evaluation",
		}),
		EvalLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechtune_eval_loss",
			Help: "Loss of the latest evaluation",
		}),
		LearningRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechtune_learning_rate",
			Help: "Learning rate applied at the latest step",
		}),
		GlobalStep: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechtune_global_step",
			Help: "Optimizer steps completed",
		}),
		ExamplesPrepared: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechtune_examples_prepared_total",
			Help: "Examples decoded, featurized and tokenized",
		}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "speechtune_step_duration_seconds",
			Help:    "Wall time of one optimizer step",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordStep stores the state after an optimizer step.
func (m *Metrics) RecordStep(step int, lr float64, seconds float64) {
	m.GlobalStep.Set(float64(step))
	m.LearningRate.Set(lr)
	m.StepDuration.Observe(seconds)
}

// RecordEvaluation stores the latest evaluation scores.
func (m *Metrics) RecordEvaluation(wer, loss float64) {
	m.EvalWER.Set(wer)
	m.EvalLoss.Set(loss)
}

// WriteFile writes the textfile into dir.
func (m *Metrics) WriteFile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(filepath.Join(dir, FileName), m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
