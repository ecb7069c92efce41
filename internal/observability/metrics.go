package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fire_risk"

// Metrics holds the Prometheus counters, histograms, and gauges for the service.
type Metrics struct {
	RequestsConsumed prometheus.Counter
	MapsProduced     prometheus.Counter
	TransformErrors  *prometheus.CounterVec // labels: kind={coverage,insufficient_samples,data_quality,physical_range,temporal_alignment,other}
	PipelineRunning  prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Interpolation metrics.
	InterpDuration   *prometheus.HistogramVec // labels: method={bilinear,kriging,identity}
	KrigingPlanCache *prometheus.CounterVec   // labels: result={hit,miss}
	KrigingFallbacks prometheus.Counter

	// Training metrics.
	TrainingLoss     *prometheus.GaugeVec // labels: split={train,val}
	SkippedBatches   prometheus.Counter
	RiskThreshold    prometheus.Gauge
	TrainingEpochs   prometheus.Counter
	InferenceLatency prometheus.Histogram
	ModelLoaded      prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_consumed_total",
			Help:      "Total inference requests read from the source topic.",
		}),
		MapsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maps_produced_total",
			Help:      "Total risk maps written to the sinks.",
		}),
		TransformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_errors_total",
			Help:      "Requests that failed interpolation, fusion, or inference, by error kind.",
		}, []string{"kind"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests per batch extracted from Kafka.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-transform-load cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		InterpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interpolation_duration_seconds",
			Help:      "Time to resample one field onto the target grid.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
		KrigingPlanCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kriging_plan_cache_total",
			Help:      "Kriging plan cache lookups by result.",
		}, []string{"result"}),
		KrigingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kriging_idw_fallbacks_total",
			Help:      "Target cells solved by inverse-distance weights after a singular kriging system.",
		}),
		TrainingLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_loss",
			Help:      "Mean loss of the last completed epoch.",
		}, []string{"split"}),
		SkippedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_skipped_batches_total",
			Help:      "Batches skipped because the loss was NaN or Inf.",
		}),
		RiskThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_threshold",
			Help:      "Current high-risk classification threshold.",
		}),
		TrainingEpochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_epochs_total",
			Help:      "Completed training epochs.",
		}),
		InferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "End-to-end interpolate, fuse, and forward time for one timestamp.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when frozen parameters are loaded for inference, 0 otherwise.",
		}),
	}

	prometheus.MustRegister(
		m.RequestsConsumed,
		m.MapsProduced,
		m.TransformErrors,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.InterpDuration,
		m.KrigingPlanCache,
		m.KrigingFallbacks,
		m.TrainingLoss,
		m.SkippedBatches,
		m.RiskThreshold,
		m.TrainingEpochs,
		m.InferenceLatency,
		m.ModelLoaded,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RequestsConsumed:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_consumed_total"}),
		MapsProduced:            prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "maps_produced_total"}),
		TransformErrors:         prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "transform_errors_total"}, []string{"kind"}),
		PipelineRunning:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pipeline_running"}),
		BatchSize:               prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "batch_size"}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "batch_processing_duration_seconds"}),
		InterpDuration:          prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "interpolation_duration_seconds"}, []string{"method"}),
		KrigingPlanCache:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "kriging_plan_cache_total"}, []string{"result"}),
		KrigingFallbacks:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "kriging_idw_fallbacks_total"}),
		TrainingLoss:            prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "training_loss"}, []string{"split"}),
		SkippedBatches:          prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "training_skipped_batches_total"}),
		RiskThreshold:           prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "risk_threshold"}),
		TrainingEpochs:          prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "training_epochs_total"}),
		InferenceLatency:        prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "inference_duration_seconds"}),
		ModelLoaded:             prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "model_loaded"}),
	}
}
