package ocr

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector receives orchestrator events.
type MetricsCollector interface {
	RecordAttempt(strategy StrategyID, success bool, duration time.Duration)
	RecordFallback(from, to StrategyID)
	RecordDetection(meterType MeterType)
	RecordConfidence(strategy StrategyID, confidence float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordAttempt(StrategyID, bool, time.Duration) {}
func (noopMetrics) RecordFallback(StrategyID, StrategyID)         {}
func (noopMetrics) RecordDetection(MeterType)                     {}
func (noopMetrics) RecordConfidence(StrategyID, float64)          {}

// PrometheusCollector exports orchestrator events as Prometheus metrics.
type PrometheusCollector struct {
	attempts   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	confidence *prometheus.HistogramVec
	fallbacks  *prometheus.CounterVec
	detections *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors with reg. A nil reg uses
// the default registry.
func NewPrometheusCollector(namespace string, reg prometheus.Registerer) *PrometheusCollector {
	if namespace == "" {
		namespace = "meterread"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ocr_attempts_total",
				Help:      "Total number of strategy executions",
			},
			[]string{"strategy", "success"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ocr_duration_seconds",
				Help:      "Strategy execution time in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"strategy"},
		),
		confidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ocr_confidence",
				Help:      "Confidence of successful extractions",
				Buckets:   prometheus.LinearBuckets(10, 10, 10),
			},
			[]string{"strategy"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ocr_fallbacks_total",
				Help:      "Total number of fallback transitions",
			},
			[]string{"from", "to"},
		),
		detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "meter_detections_total",
				Help:      "Total number of meter type detections",
			},
			[]string{"meter_type"},
		),
	}
}

// RecordAttempt implements MetricsCollector.
func (c *PrometheusCollector) RecordAttempt(strategy StrategyID, success bool, duration time.Duration) {
	c.attempts.WithLabelValues(string(strategy), strconv.FormatBool(success)).Inc()
	c.duration.WithLabelValues(string(strategy)).Observe(duration.Seconds())
}

// RecordFallback implements MetricsCollector.
func (c *PrometheusCollector) RecordFallback(from, to StrategyID) {
	c.fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

// RecordDetection implements MetricsCollector.
func (c *PrometheusCollector) RecordDetection(meterType MeterType) {
	c.detections.WithLabelValues(string(meterType)).Inc()
}

// RecordConfidence implements MetricsCollector.
func (c *PrometheusCollector) RecordConfidence(strategy StrategyID, confidence float64) {
	c.confidence.WithLabelValues(string(strategy)).Observe(confidence)
}
