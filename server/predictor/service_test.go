package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/stroke-risk/server/cache"
	"github.com/san-kum/stroke-risk/server/features"
	"github.com/san-kum/stroke-risk/server/ml"
	"github.com/san-kum/stroke-risk/server/models"
	"go.uber.org/zap"
)

func stubBundle(version string, threshold float64, scorer ml.Scorer) *ml.Bundle {
	return &ml.Bundle{
		Scorer: scorer,
		Metadata: ml.Metadata{
			ModelVersion:     version,
			Threshold:        threshold,
			GlucoseQuantiles: features.DefaultGlucoseQuantiles,
		},
		Backend:  ml.BackendLocal,
		Source:   "stub",
		LoadedAt: time.Unix(1700000000, 0),
	}
}

func constScorer(p float64) ml.Scorer {
	return ml.ScorerFunc(func(ctx context.Context, f *features.Enriched) (float64, error) {
		return p, nil
	})
}

func scenarioInput() models.RawInput {
	return models.RawInput{
		Gender:          models.GenderMale,
		Age:             70,
		Hypertension:    1,
		HeartDisease:    0,
		EverMarried:     "Yes",
		ResidenceType:   models.ResidenceRural,
		AvgGlucoseLevel: 250,
		BMI:             42,
		SmokingStatus:   models.SmokingSmokes,
		WorkType:        "Private",
	}
}

func newTestService(t *testing.T, bundle *ml.Bundle, c cache.Cache) *Service {
	t.Helper()
	return NewService(bundle, c, time.Minute, zap.NewNop())
}

func TestPredictEndToEndScenario(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, stubBundle("stub", 0.34, constScorer(0.20)), nil)

	result, err := svc.Predict(context.Background(), scenarioInput())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if result.Probability != 0.42 {
		t.Errorf("probability = %v, want 0.42", result.Probability)
	}
	if result.Percent != 42 {
		t.Errorf("percent = %d, want 42", result.Percent)
	}
	if result.RiskLevel != models.RiskHigh {
		t.Errorf("risk level = %s, want HIGH", result.RiskLevel)
	}
	if result.Threshold != 0.34 {
		t.Errorf("threshold = %v", result.Threshold)
	}
}

func TestExplainListsAdjustments(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, stubBundle("stub", 0.34, constScorer(0.20)), nil)

	_, explanation, err := svc.Explain(context.Background(), scenarioInput())
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if explanation.RawProbability != 0.20 {
		t.Errorf("raw probability = %v", explanation.RawProbability)
	}
	want := map[string]float64{"residence": -0.02, "smoking": 0.06, "bmi": 0.08, "glucose": 0.10}
	if len(explanation.Adjustments) != len(want) {
		t.Fatalf("adjustments = %+v", explanation.Adjustments)
	}
	for _, a := range explanation.Adjustments {
		if want[a.Dimension] != a.Delta {
			t.Errorf("%s delta = %v, want %v", a.Dimension, a.Delta, want[a.Dimension])
		}
	}
	if explanation.Features["risk_score"] == nil {
		t.Error("explanation should carry derived features")
	}
}

func TestRespondErrorScenario(t *testing.T) {
	t.Parallel()

	failing := ml.ScorerFunc(func(ctx context.Context, f *features.Enriched) (float64, error) {
		return 0, ml.ErrModelInference
	})
	svc := newTestService(t, stubBundle("stub", 0.34, failing), nil)

	resp := svc.Respond(context.Background(), scenarioInput(), false)
	if resp.Error == "" {
		t.Fatal("expected non-empty error")
	}
	if resp.PredictionResult != nil {
		t.Error("error response must not carry a result")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	if len(decoded) != 1 || decoded["error"] == nil {
		t.Errorf("error payload = %s, want only the error field", data)
	}
	if svc.GetStats().Errors != 1 {
		t.Errorf("errors = %d", svc.GetStats().Errors)
	}
}

func TestRespondNullProbability(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, stubBundle("stub", 0.34, constScorer(math.NaN())), nil)

	if _, err := svc.Predict(context.Background(), scenarioInput()); !errors.Is(err, ml.ErrNullProbability) {
		t.Fatalf("expected ErrNullProbability, got %v", err)
	}
	if resp := svc.Respond(context.Background(), scenarioInput(), false); resp.Error == "" {
		t.Fatal("expected error payload for NaN probability")
	}
}

func TestRespondRecoversFromPanic(t *testing.T) {
	t.Parallel()

	panicking := ml.ScorerFunc(func(ctx context.Context, f *features.Enriched) (float64, error) {
		panic("corrupt weights")
	})
	svc := newTestService(t, stubBundle("stub", 0.34, panicking), nil)

	resp := svc.Respond(context.Background(), scenarioInput(), false)
	if resp.Error == "" {
		t.Fatal("expected error payload after panic")
	}
}

func TestRespondWithoutModel(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, nil)
	if resp := svc.Respond(context.Background(), scenarioInput(), false); resp.Error == "" {
		t.Fatal("expected error when no model is loaded")
	}
	if _, err := svc.ModelInfo(context.Background()); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestRespondIsDeterministic(t *testing.T) {
	t.Parallel()

	model, err := ml.LoadBundleFromFiles("../ml/testdata/model.json", "../ml/testdata/meta.json")
	if err != nil {
		t.Fatalf("LoadBundleFromFiles: %v", err)
	}
	svc := newTestService(t, model, nil)

	first := svc.Respond(context.Background(), scenarioInput(), true)
	if first.Error != "" {
		t.Fatalf("unexpected error: %s", first.Error)
	}
	for i := 0; i < 20; i++ {
		again := svc.Respond(context.Background(), scenarioInput(), true)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first.PredictionResult, again.PredictionResult)
		}
	}
}

func TestRespondUsesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	counting := ml.ScorerFunc(func(ctx context.Context, f *features.Enriched) (float64, error) {
		calls.Add(1)
		return 0.1, nil
	})
	c := cache.NewMemoryCache(16, time.Minute, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	svc := newTestService(t, stubBundle("v1", 0.5, counting), c)

	ctx := context.Background()
	first := svc.Respond(ctx, scenarioInput(), false)
	second := svc.Respond(ctx, scenarioInput(), false)

	if calls.Load() != 1 {
		t.Errorf("scorer calls = %d, want 1", calls.Load())
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("cached response differs from computed one")
	}
	if svc.GetStats().CacheHits != 1 {
		t.Errorf("cache hits = %d", svc.GetStats().CacheHits)
	}

	svc.Swap(ctx, stubBundle("v2", 0.5, counting))
	svc.Respond(ctx, scenarioInput(), false)
	if calls.Load() != 2 {
		t.Errorf("new model version must not reuse cached results, calls = %d", calls.Load())
	}
}

func TestRespondDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	flaky := ml.ScorerFunc(func(ctx context.Context, f *features.Enriched) (float64, error) {
		if calls.Add(1) == 1 {
			return 0, ml.ErrModelInference
		}
		return 0.3, nil
	})
	c := cache.NewMemoryCache(16, time.Minute, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	svc := newTestService(t, stubBundle("v1", 0.5, flaky), c)

	if resp := svc.Respond(context.Background(), scenarioInput(), false); resp.Error == "" {
		t.Fatal("first call should fail")
	}
	if resp := svc.Respond(context.Background(), scenarioInput(), false); resp.Error != "" {
		t.Fatalf("second call should succeed, got %s", resp.Error)
	}
}

func TestRespondConcurrent(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, stubBundle("stub", 0.34, constScorer(0.20)), nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := svc.Respond(context.Background(), scenarioInput(), false)
			if resp.Error != "" || resp.Percent != 42 {
				t.Errorf("unexpected response: %+v", resp)
			}
		}()
	}
	wg.Wait()

	stats := svc.GetStats()
	if stats.TotalPredictions != 32 || stats.ByRiskLevel["HIGH"] != 32 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, stubBundle("stub", 0.34, constScorer(0.2)), nil)
	info, err := svc.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	if info.Version != "stub" || info.Threshold != 0.34 || info.MediumCutoff != 0.15 {
		t.Errorf("info = %+v", info)
	}
	if info.GlucoseQuantiles["q3"] != 114.09 {
		t.Errorf("quantiles = %v", info.GlucoseQuantiles)
	}
}

type describedScorer struct {
	ml.Scorer
	info map[string]any
	err  error
}

func (d describedScorer) GetModelInfo(ctx context.Context) (map[string]any, error) {
	return d.info, d.err
}

func TestModelInfoIncludesScorerDescription(t *testing.T) {
	t.Parallel()

	scorer := describedScorer{Scorer: constScorer(0.2), info: map[string]any{"version": "sidecar-3"}}
	bundle := stubBundle("stub", 0.34, scorer)
	bundle.Backend = ml.BackendRemote
	svc := newTestService(t, bundle, nil)

	info, err := svc.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	if info.Remote["version"] != "sidecar-3" {
		t.Errorf("remote = %v", info.Remote)
	}

	failing := stubBundle("stub", 0.34, describedScorer{Scorer: constScorer(0.2), err: errors.New("unreachable")})
	svc = newTestService(t, failing, nil)
	info, err = svc.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("ModelInfo should not fail when the description is unavailable: %v", err)
	}
	if info.Remote != nil || info.Version != "stub" {
		t.Errorf("info = %+v", info)
	}
}

func TestModelInfoLocalHasNoRemoteSection(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, stubBundle("stub", 0.34, constScorer(0.2)), nil)
	info, err := svc.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	data, _ := json.Marshal(info)
	if strings.Contains(string(data), `"remote"`) {
		t.Errorf("local model info should omit remote: %s", data)
	}
}
