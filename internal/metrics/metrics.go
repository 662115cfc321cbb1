package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tracker metrics
var (
	// ObservationsLogged tracks logged observations by category and fused risk
	ObservationsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symptom_observations_logged_total",
			Help: "Total number of symptom observations logged",
		},
		[]string{"category", "risk_level"},
	)

	// AnomaliesDetected counts observations flagged by the anomaly model
	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symptom_anomalies_detected_total",
			Help: "Total number of observations flagged as anomalous",
		},
	)

	// AnalysisFallbacks counts analyses that used the rule-based path
	AnalysisFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symptom_analysis_fallbacks_total",
			Help: "Total number of analyses that fell back to rule-based risk",
		},
		[]string{"reason"},
	)

	// AlertsDerived counts derived alerts by level
	AlertsDerived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symptom_alerts_derived_total",
			Help: "Total number of alerts derived",
		},
		[]string{"level"},
	)

	// RecommendationsDerived counts derived recommendations
	RecommendationsDerived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symptom_recommendations_derived_total",
			Help: "Total number of recommendations derived",
		},
	)

	// AnalysisDuration tracks the duration of a full analysis
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symptom_analysis_duration_seconds",
			Help:    "Duration of observation analysis in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Anomaly model metrics
var (
	// ModelRetrains counts anomaly model retrains by outcome
	ModelRetrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symptom_model_retrains_total",
			Help: "Total number of per-subject anomaly model retrains",
		},
		[]string{"status"},
	)

	// RegistrySize tracks the number of subjects with model state in memory
	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symptom_model_registry_size",
			Help: "Number of subjects with anomaly model state",
		},
	)
)

// Store metrics
var (
	// StoreOpsTotal tracks the total number of record store operations
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_ops_total",
			Help: "Total number of durable record store operations",
		},
		[]string{"op", "collection", "status"},
	)

	// StoreOpDuration tracks the duration of record store operations
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_op_duration_seconds",
			Help:    "Duration of durable record store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "collection"},
	)

	// StreamPublishes tracks alert stream publishes
	StreamPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_stream_publishes_total",
			Help: "Total number of alerts published to the stream",
		},
		[]string{"status"},
	)

	// HTTPRequestDuration tracks handler latency by route
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// AppInfo provides static information about the application
	AppInfo = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symptomtracker_app_info",
			Help: "Application information (always 1)",
		},
	)

	// AppStartTime records when the application started
	AppStartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symptomtracker_app_start_time_seconds",
			Help: "Unix timestamp of when the application started",
		},
	)
)

func init() {
	AppInfo.Set(1)
	AppStartTime.SetToCurrentTime()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordStoreOp records a durable store operation
func RecordStoreOp(op, collection string, duration time.Duration, err error) {
	StoreOpsTotal.WithLabelValues(op, collection, status(err)).Inc()
	StoreOpDuration.WithLabelValues(op, collection).Observe(duration.Seconds())
}

// RecordRetrain records the outcome of a model retrain
func RecordRetrain(err error) {
	ModelRetrains.WithLabelValues(status(err)).Inc()
}

// RecordPublish records the outcome of an alert publish
func RecordPublish(err error) {
	StreamPublishes.WithLabelValues(status(err)).Inc()
}

// RecordPublishDropped counts alerts discarded because the publish queue was full
func RecordPublishDropped(n int) {
	StreamPublishes.WithLabelValues("dropped").Add(float64(n))
}
