package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	GenderMale   = "Male"
	GenderFemale = "Female"

	ResidenceUrban = "Urban"
	ResidenceRural = "Rural"

	SmokingSmokes         = "smokes"
	SmokingFormerlySmoked = "formerly smoked"
	SmokingNeverSmoked    = "never smoked"
	SmokingUnknown        = "Unknown"
)

// RawInput is one prediction request as received from the client. It is a
// value type and is never modified after construction.
type RawInput struct {
	Gender          string  `json:"gender"`
	Age             float64 `json:"age"`
	Hypertension    int     `json:"hypertension"`
	HeartDisease    int     `json:"heart_disease"`
	EverMarried     string  `json:"ever_married"`
	ResidenceType   string  `json:"Residence_type"`
	AvgGlucoseLevel float64 `json:"avg_glucose_level"`
	BMI             float64 `json:"bmi"`
	SmokingStatus   string  `json:"smoking_status"`
	WorkType        string  `json:"work_type"`
}

// PredictRequest is the wire shape accepted by the HTTP and websocket
// boundaries. Pointers let the validator tell a missing field from a zero.
// height_cm/weight_kg may be sent instead of bmi.
type PredictRequest struct {
	Gender          string   `json:"gender" binding:"required"`
	Age             *float64 `json:"age" binding:"required"`
	Hypertension    *int     `json:"hypertension" binding:"required,oneof=0 1"`
	HeartDisease    *int     `json:"heart_disease" binding:"required,oneof=0 1"`
	EverMarried     string   `json:"ever_married" binding:"required"`
	ResidenceType   string   `json:"Residence_type" binding:"required"`
	AvgGlucoseLevel *float64 `json:"avg_glucose_level" binding:"required"`
	BMI             *float64 `json:"bmi"`
	HeightCm        *float64 `json:"height_cm"`
	WeightKg        *float64 `json:"weight_kg"`
	SmokingStatus   string   `json:"smoking_status" binding:"required"`
	WorkType        string   `json:"work_type" binding:"required"`
}

var ErrMissingBMI = errors.New("bmi is required (or height_cm and weight_kg)")

// ToRawInput converts a validated request into a RawInput, normalizing enum
// spellings and resolving BMI from height and weight when needed.
func (r *PredictRequest) ToRawInput() (RawInput, error) {
	var bmi float64
	switch {
	case r.BMI != nil:
		bmi = *r.BMI
	case r.HeightCm != nil && r.WeightKg != nil:
		bmi = BMIFromHeightWeight(*r.HeightCm, *r.WeightKg)
	default:
		return RawInput{}, ErrMissingBMI
	}

	raw := RawInput{
		Gender:          strings.TrimSpace(r.Gender),
		EverMarried:     strings.TrimSpace(r.EverMarried),
		ResidenceType:   NormalizeResidence(r.ResidenceType),
		BMI:             bmi,
		SmokingStatus:   NormalizeSmokingStatus(r.SmokingStatus),
		WorkType:        strings.TrimSpace(r.WorkType),
		Age:             deref(r.Age),
		AvgGlucoseLevel: deref(r.AvgGlucoseLevel),
	}
	if r.Hypertension != nil {
		raw.Hypertension = *r.Hypertension
	}
	if r.HeartDisease != nil {
		raw.HeartDisease = *r.HeartDisease
	}
	return raw, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// BMIFromHeightWeight returns weight / height^2 with height in centimetres.
// A non-positive height yields 0, matching the form client.
func BMIFromHeightWeight(heightCm, weightKg float64) float64 {
	if heightCm <= 0 {
		return 0
	}
	m := heightCm / 100
	return weightKg / (m * m)
}

// NormalizeSmokingStatus maps client spellings ("Smokes", "Formerly smoked",
// "never_smoked") onto the canonical values. Unrecognized values are returned
// trimmed but otherwise untouched.
func NormalizeSmokingStatus(s string) string {
	trimmed := strings.TrimSpace(s)
	key := strings.ToLower(strings.ReplaceAll(trimmed, "_", " "))
	switch key {
	case "smokes", "smoker", "current smoker":
		return SmokingSmokes
	case "formerly smoked", "former smoker":
		return SmokingFormerlySmoked
	case "never smoked", "never":
		return SmokingNeverSmoked
	case "unknown":
		return SmokingUnknown
	}
	return trimmed
}

func NormalizeResidence(s string) string {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "urban":
		return ResidenceUrban
	case "rural":
		return ResidenceRural
	}
	return trimmed
}

// IsSmoker reports current or former smoking.
func IsSmoker(status string) bool {
	switch NormalizeSmokingStatus(status) {
	case SmokingSmokes, SmokingFormerlySmoked:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type PredictionResult struct {
	Probability float64   `json:"probability"`
	Percent     int       `json:"percent"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Threshold   float64   `json:"threshold"`
}

// NewPredictionResult formats an adjusted probability for the client:
// probability to 3 decimals, percent rounded half to even. The probability
// is rounded from its exact binary value, so 0.1235 (stored just below the
// tie) becomes 0.123.
func NewPredictionResult(adjusted, threshold float64, level RiskLevel) *PredictionResult {
	return &PredictionResult{
		Probability: roundTo3(adjusted),
		Percent:     int(math.RoundToEven(adjusted * 100)),
		RiskLevel:   level,
		Threshold:   threshold,
	}
}

func roundTo3(p float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(p, 'f', 3, 64), 64)
	if err != nil {
		return p
	}
	return r
}

// Adjustment is one rule-based correction applied on top of the model output.
type Adjustment struct {
	Dimension string  `json:"dimension"`
	Band      string  `json:"band"`
	Delta     float64 `json:"delta"`
}

type Explanation struct {
	ModelVersion   string         `json:"model_version"`
	RawProbability float64        `json:"raw_probability"`
	Adjustments    []Adjustment   `json:"adjustments"`
	Features       map[string]any `json:"features,omitempty"`
}

// PredictionResponse is either a result or an error, never both. The
// embedded result is inlined into the JSON object when present.
type PredictionResponse struct {
	*PredictionResult
	Explanation *Explanation `json:"explanation,omitempty"`
	Error       string       `json:"error,omitempty"`
}

func ErrorResponse(err error) PredictionResponse {
	msg := "prediction failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return PredictionResponse{Error: msg}
}

type BatchPredictRequest struct {
	Items   []PredictRequest `json:"items" binding:"required,min=1"`
	Explain bool             `json:"explain"`
}

type BatchPredictResponse struct {
	Results   []PredictionResponse `json:"results"`
	Count     int                  `json:"count"`
	Errors    int                  `json:"errors"`
	LatencyMs int64                `json:"latency_ms"`
}

type ModelInfo struct {
	Version          string             `json:"version"`
	Backend          string             `json:"backend"`
	Threshold        float64            `json:"threshold"`
	MediumCutoff     float64            `json:"medium_cutoff"`
	GlucoseQuantiles map[string]float64 `json:"glucose_quantiles"`
	Features         []string           `json:"features"`
	LoadedAt         int64              `json:"loaded_at"`
	// Remote is what the scoring service reports about itself; only set for
	// the remote backend.
	Remote map[string]any `json:"remote,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}
