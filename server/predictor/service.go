package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/san-kum/stroke-risk/server/cache"
	"github.com/san-kum/stroke-risk/server/features"
	"github.com/san-kum/stroke-risk/server/metrics"
	"github.com/san-kum/stroke-risk/server/ml"
	"github.com/san-kum/stroke-risk/server/models"
	"github.com/san-kum/stroke-risk/server/risk"
	"go.uber.org/zap"
)

var ErrNoModel = errors.New("no model loaded")

// Service runs derive, score, adjust and classify for one record at a time.
// The active bundle is swapped atomically on reload; requests already in
// flight finish on the bundle they started with.
type Service struct {
	bundle   atomic.Pointer[ml.Bundle]
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger

	startTime    time.Time
	total        atomic.Int64
	errors       atomic.Int64
	cacheHits    atomic.Int64
	latencyNanos atomic.Int64
	lowCount     atomic.Int64
	mediumCount  atomic.Int64
	highCount    atomic.Int64
}

type Stats struct {
	StartTime        time.Time        `json:"start_time"`
	Uptime           string           `json:"uptime"`
	TotalPredictions int64            `json:"total_predictions"`
	Errors           int64            `json:"errors"`
	CacheHits        int64            `json:"cache_hits"`
	ByRiskLevel      map[string]int64 `json:"by_risk_level"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
	ModelVersion     string           `json:"model_version"`
}

// NewService takes an optional cache; pass nil to disable memoization.
func NewService(bundle *ml.Bundle, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	s := &Service{
		cache:     c,
		cacheTTL:  cacheTTL,
		logger:    logger,
		startTime: time.Now(),
	}
	if bundle != nil {
		s.bundle.Store(bundle)
		metrics.SetActiveModel(bundle.Version(), bundle.Backend)
	}
	return s
}

func (s *Service) Bundle() *ml.Bundle {
	return s.bundle.Load()
}

// Swap installs a new bundle and returns the previous one. Cached responses
// are keyed by model version, the purge only releases memory.
func (s *Service) Swap(ctx context.Context, bundle *ml.Bundle) *ml.Bundle {
	old := s.bundle.Swap(bundle)
	metrics.SetActiveModel(bundle.Version(), bundle.Backend)
	if s.cache != nil {
		if err := s.cache.Purge(ctx); err != nil {
			s.logger.Warn("Failed to purge prediction cache", zap.Error(err))
		}
	}

	oldVersion := ""
	if old != nil {
		oldVersion = old.Version()
	}
	s.logger.Info("Model swapped",
		zap.String("old_version", oldVersion),
		zap.String("new_version", bundle.Version()),
		zap.String("backend", bundle.Backend))
	return old
}

// Predict is the pure pipeline: no cache, no stats, errors returned as is.
func (s *Service) Predict(ctx context.Context, raw models.RawInput) (*models.PredictionResult, error) {
	bundle := s.bundle.Load()
	if bundle == nil {
		return nil, ErrNoModel
	}
	result, _, err := s.run(ctx, bundle, raw, false)
	return result, err
}

// Explain runs the pipeline and also reports the raw probability, the rule
// corrections and the derived feature values.
func (s *Service) Explain(ctx context.Context, raw models.RawInput) (*models.PredictionResult, *models.Explanation, error) {
	bundle := s.bundle.Load()
	if bundle == nil {
		return nil, nil, ErrNoModel
	}
	return s.run(ctx, bundle, raw, true)
}

func (s *Service) run(ctx context.Context, bundle *ml.Bundle, raw models.RawInput, explain bool) (*models.PredictionResult, *models.Explanation, error) {
	f := features.Derive(raw, bundle.Metadata.GlucoseQuantiles)

	p, err := bundle.Scorer.Score(ctx, &f)
	if err != nil {
		return nil, nil, err
	}
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return nil, nil, ml.ErrNullProbability
	}

	risk.WarnIfGapBand(s.logger, raw.BMI)
	adjusted := risk.Adjust(p, &f)
	threshold := bundle.Metadata.Threshold
	level := risk.Classify(adjusted, threshold)

	s.logger.Debug("Prediction computed",
		zap.String("model_version", bundle.Version()),
		zap.Float64("raw_probability", p),
		zap.Float64("adjusted_probability", adjusted),
		zap.String("risk_level", string(level)))

	result := models.NewPredictionResult(adjusted, threshold, level)
	if !explain {
		return result, nil, nil
	}
	return result, &models.Explanation{
		ModelVersion:   bundle.Version(),
		RawProbability: p,
		Adjustments:    risk.Explain(&f),
		Features:       finiteOnly(f.Vector().Flatten()),
	}, nil
}

// Respond is the fail-soft boundary used by every transport: it always
// returns a well-formed response and never panics.
func (s *Service) Respond(ctx context.Context, raw models.RawInput, explain bool) (resp models.PredictionResponse) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Prediction panicked", zap.Any("panic", r))
			resp = models.ErrorResponse(fmt.Errorf("prediction failed: internal error"))
			s.recordError("panic")
		}
		elapsed := time.Since(start)
		s.latencyNanos.Add(int64(elapsed))
		metrics.PredictionDuration.Observe(elapsed.Seconds())
	}()

	s.total.Add(1)

	bundle := s.bundle.Load()
	if bundle == nil {
		s.recordError("no_model")
		return models.ErrorResponse(ErrNoModel)
	}

	key := ""
	if s.cache != nil {
		key = cache.GenerateCacheKey(bundle.Version(), fmt.Sprintf("%t|%#v", explain, raw))
		if v, err := s.cache.Get(ctx, key); err == nil {
			if cached, ok := v.(models.PredictionResponse); ok {
				s.cacheHits.Add(1)
				metrics.CacheLookups.WithLabelValues("hit").Inc()
				s.recordLevel(cached.RiskLevel)
				return cached
			}
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	result, explanation, err := s.run(ctx, bundle, raw, explain)
	if err != nil {
		s.logger.Error("Prediction failed",
			zap.String("model_version", bundle.Version()),
			zap.Error(err))
		s.recordError(errorReason(err))
		return models.ErrorResponse(err)
	}

	resp = models.PredictionResponse{PredictionResult: result, Explanation: explanation}
	s.recordLevel(result.RiskLevel)
	metrics.AdjustedProbability.Observe(result.Probability)

	if s.cache != nil {
		if err := s.cache.SetWithTTL(ctx, key, resp, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache prediction", zap.Error(err))
		}
	}
	return resp
}

func (s *Service) recordLevel(level models.RiskLevel) {
	switch level {
	case models.RiskHigh:
		s.highCount.Add(1)
	case models.RiskMedium:
		s.mediumCount.Add(1)
	case models.RiskLow:
		s.lowCount.Add(1)
	}
	metrics.PredictionsTotal.WithLabelValues(string(level)).Inc()
}

func (s *Service) recordError(reason string) {
	s.errors.Add(1)
	metrics.PredictionErrors.WithLabelValues(reason).Inc()
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ml.ErrNullProbability):
		return "null_probability"
	case errors.Is(err, ml.ErrModelInference):
		return "inference"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "other"
	}
}

func (s *Service) GetStats() Stats {
	total := s.total.Load()
	stats := Stats{
		StartTime:        s.startTime,
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		TotalPredictions: total,
		Errors:           s.errors.Load(),
		CacheHits:        s.cacheHits.Load(),
		ByRiskLevel: map[string]int64{
			string(models.RiskLow):    s.lowCount.Load(),
			string(models.RiskMedium): s.mediumCount.Load(),
			string(models.RiskHigh):   s.highCount.Load(),
		},
	}
	if total > 0 {
		stats.AverageLatencyMs = float64(s.latencyNanos.Load()) / float64(total) / float64(time.Millisecond)
	}
	if b := s.bundle.Load(); b != nil {
		stats.ModelVersion = b.Version()
	}
	return stats
}

// modelDescriber is implemented by scorers that can report on the model
// they serve, like the remote scoring client.
type modelDescriber interface {
	GetModelInfo(ctx context.Context) (map[string]any, error)
}

// ModelInfo describes the active bundle. For a remote scorer the service's
// own description is attached; failing to fetch it is logged, not returned.
func (s *Service) ModelInfo(ctx context.Context) (models.ModelInfo, error) {
	b := s.bundle.Load()
	if b == nil {
		return models.ModelInfo{}, ErrNoModel
	}
	info := models.ModelInfo{
		Version:          b.Version(),
		Backend:          b.Backend,
		Threshold:        b.Metadata.Threshold,
		MediumCutoff:     risk.MediumCutoff,
		GlucoseQuantiles: b.Metadata.GlucoseQuantiles.Map(),
		Features:         b.Features,
		LoadedAt:         b.LoadedAt.Unix(),
	}
	if d, ok := b.Scorer.(modelDescriber); ok {
		remote, err := d.GetModelInfo(ctx)
		if err != nil {
			s.logger.Warn("Failed to fetch remote model info", zap.Error(err))
		} else {
			info.Remote = remote
		}
	}
	return info, nil
}

// finiteOnly replaces NaN and Inf with nil so the map survives JSON encoding.
func finiteOnly(in map[string]any) map[string]any {
	for k, v := range in {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			in[k] = nil
		}
	}
	return in
}
