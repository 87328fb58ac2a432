package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mdobak/go-xerrors"
	"github.com/san-kum/stroke-risk/server/features"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"

	defaultThreshold = 0.5
)

// Metadata is written next to the model artifact at training time.
type Metadata struct {
	ModelVersion     string                    `json:"model_version"`
	Threshold        float64                   `json:"threshold"`
	GlucoseQuantiles features.GlucoseQuantiles `json:"glucose_quantiles"`
	TrainedAt        string                    `json:"trained_at,omitempty"`

	// QuantilesDefaulted is set when the file carried no quantiles and the
	// dataset defaults were used instead.
	QuantilesDefaulted bool `json:"-"`
}

type metadataFile struct {
	ModelVersion     string                     `json:"model_version"`
	Threshold        *float64                   `json:"threshold"`
	GlucoseQuantiles *features.GlucoseQuantiles `json:"glucose_quantiles"`
	TrainedAt        string                     `json:"trained_at"`
}

func ParseMetadata(data []byte) (Metadata, error) {
	var raw metadataFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode model metadata: %w", err)
	}

	meta := Metadata{
		ModelVersion: raw.ModelVersion,
		Threshold:    defaultThreshold,
		TrainedAt:    raw.TrainedAt,
	}
	if raw.Threshold != nil {
		meta.Threshold = *raw.Threshold
	}
	if meta.Threshold < 0 || meta.Threshold > 1 {
		return Metadata{}, fmt.Errorf("threshold %v outside [0,1]", meta.Threshold)
	}

	if raw.GlucoseQuantiles != nil {
		if !raw.GlucoseQuantiles.Valid() {
			return Metadata{}, fmt.Errorf("glucose quantiles are not ordered: %+v", *raw.GlucoseQuantiles)
		}
		meta.GlucoseQuantiles = *raw.GlucoseQuantiles
	} else {
		meta.GlucoseQuantiles = features.DefaultGlucoseQuantiles
		meta.QuantilesDefaulted = true
	}
	if meta.ModelVersion == "" {
		meta.ModelVersion = "unversioned"
	}
	return meta, nil
}

// Bundle is one loaded model plus the metadata it was trained with. A bundle
// is never mutated after construction; reloads build a new one.
type Bundle struct {
	Scorer   Scorer
	Metadata Metadata
	Backend  string
	Source   string
	Features []string
	LoadedAt time.Time
}

func (b *Bundle) Version() string {
	return b.Metadata.ModelVersion
}

// NewLocalBundle builds a bundle around an in-process logistic artifact.
func NewLocalBundle(artifact, metadata []byte, source string) (*Bundle, error) {
	model, err := ParseLogisticModel(artifact)
	if err != nil {
		return nil, xerrors.New(err)
	}
	meta, err := ParseMetadata(metadata)
	if err != nil {
		return nil, xerrors.New(err)
	}
	if meta.ModelVersion == "unversioned" && model.Version != "" {
		meta.ModelVersion = model.Version
	}
	return &Bundle{
		Scorer:   model,
		Metadata: meta,
		Backend:  BackendLocal,
		Source:   source,
		Features: model.FeatureNames(),
		LoadedAt: time.Now(),
	}, nil
}

// NewRemoteBundle pairs the remote scoring client with local metadata; the
// quantiles and threshold are still applied in this process.
func NewRemoteBundle(client *Client, metadata []byte, source string) (*Bundle, error) {
	meta, err := ParseMetadata(metadata)
	if err != nil {
		return nil, xerrors.New(err)
	}
	return &Bundle{
		Scorer:   client,
		Metadata: meta,
		Backend:  BackendRemote,
		Source:   source,
		LoadedAt: time.Now(),
	}, nil
}

func LoadBundleFromFiles(artifactPath, metadataPath string) (*Bundle, error) {
	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("failed to read model artifact: %w", err))
	}
	metadata, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, xerrors.New(fmt.Errorf("failed to read model metadata: %w", err))
	}
	return NewLocalBundle(artifact, metadata, artifactPath)
}
