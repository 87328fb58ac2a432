package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/san-kum/stroke-risk/server/features"
)

// LogisticModel is the in-process scorer. The artifact is exported by the
// offline training job: numeric columns are imputed with the training median
// and standard scaled, categorical columns are one-hot encoded (unknown
// levels contribute nothing), and a linear head feeds a sigmoid.
type LogisticModel struct {
	Version     string            `json:"version"`
	Intercept   float64           `json:"intercept"`
	Numeric     []NumericTerm     `json:"numeric"`
	Categorical []CategoricalTerm `json:"categorical"`
}

type NumericTerm struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Scale  float64 `json:"scale"`
	Median float64 `json:"median"`
	Coef   float64 `json:"coef"`
}

type CategoricalTerm struct {
	Name   string             `json:"name"`
	Levels map[string]float64 `json:"levels"`
}

func ParseLogisticModel(data []byte) (*LogisticModel, error) {
	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if len(m.Numeric) == 0 && len(m.Categorical) == 0 {
		return nil, fmt.Errorf("model artifact has no terms")
	}
	for i, term := range m.Numeric {
		if term.Name == "" {
			return nil, fmt.Errorf("numeric term %d has no name", i)
		}
		if term.Scale == 0 || math.IsNaN(term.Scale) {
			m.Numeric[i].Scale = 1
		}
	}
	for i, term := range m.Categorical {
		if term.Name == "" {
			return nil, fmt.Errorf("categorical term %d has no name", i)
		}
	}
	return &m, nil
}

func LoadLogisticModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact %s: %w", path, err)
	}
	return ParseLogisticModel(data)
}

func (m *LogisticModel) Score(ctx context.Context, f *features.Enriched) (float64, error) {
	if f == nil {
		return 0, fmt.Errorf("%w: nil feature record", ErrModelInference)
	}
	vec := f.Vector()

	logit := m.Intercept
	for _, term := range m.Numeric {
		v, ok := vec.Numeric[term.Name]
		if !ok {
			return 0, fmt.Errorf("%w: numeric feature %q missing from input", ErrModelInference, term.Name)
		}
		if math.IsNaN(v) {
			v = term.Median
		}
		logit += term.Coef * (v - term.Mean) / term.Scale
	}
	for _, term := range m.Categorical {
		level, ok := vec.Categorical[term.Name]
		if !ok {
			return 0, fmt.Errorf("%w: categorical feature %q missing from input", ErrModelInference, term.Name)
		}
		logit += term.Levels[level]
	}

	p := sigmoid(logit)
	if math.IsNaN(p) {
		return 0, ErrNullProbability
	}
	return p, nil
}

// FeatureNames lists the columns the artifact reads, numeric first.
func (m *LogisticModel) FeatureNames() []string {
	names := make([]string, 0, len(m.Numeric)+len(m.Categorical))
	for _, t := range m.Numeric {
		names = append(names, t.Name)
	}
	for _, t := range m.Categorical {
		names = append(names, t.Name)
	}
	return names
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	z := math.Exp(x)
	return z / (1 + z)
}
