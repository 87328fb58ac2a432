package ml

import (
	"context"
	"errors"

	"github.com/san-kum/stroke-risk/server/features"
)

var (
	// ErrModelInference means the scorer could not process the feature
	// vector, usually a schema mismatch between features and artifact.
	ErrModelInference = errors.New("model inference failed")

	// ErrNullProbability means the scorer ran but produced no usable
	// probability.
	ErrNullProbability = errors.New("model returned no probability")
)

// Scorer returns the positive-class probability for an enriched record.
// Implementations are safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, f *features.Enriched) (float64, error)
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(ctx context.Context, f *features.Enriched) (float64, error)

func (fn ScorerFunc) Score(ctx context.Context, f *features.Enriched) (float64, error) {
	return fn(ctx, f)
}
