package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stroke_predictions_total",
			Help: "Completed predictions by risk level",
		},
		[]string{"risk_level"},
	)
	PredictionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stroke_prediction_errors_total",
			Help: "Predictions that ended in an error payload",
		},
		[]string{"reason"},
	)
	PredictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stroke_prediction_duration_seconds",
			Help:    "Time spent deriving, scoring and adjusting one record",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
	AdjustedProbability = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stroke_adjusted_probability",
			Help:    "Distribution of adjusted probabilities returned to clients",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stroke_prediction_cache_lookups_total",
			Help: "Prediction cache lookups by result",
		},
		[]string{"result"},
	)
	ModelReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stroke_model_reloads_total",
			Help: "Model reload attempts by outcome",
		},
		[]string{"outcome"},
	)
	ModelLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stroke_model_loaded",
			Help: "Set to 1 for the active model version",
		},
		[]string{"version", "backend"},
	)
	BatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stroke_batch_queue_depth",
			Help: "Items waiting in the batch worker queue",
		},
	)
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stroke_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"endpoint", "method", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stroke_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"endpoint"},
	)
)

// SetActiveModel resets the model gauge so only one version reports 1.
func SetActiveModel(version, backend string) {
	ModelLoaded.Reset()
	ModelLoaded.WithLabelValues(version, backend).Set(1)
}

func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Instrument records request count and latency per route template, so
// path parameters do not explode label cardinality.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		requestsTotal.WithLabelValues(endpoint, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
