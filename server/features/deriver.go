package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/stroke-risk/server/models"
)

const (
	// BMICap bounds BMI inside ratio and interaction terms only.
	BMICap = 50.0

	SeniorAge = 65.0
	HighBMI   = 30.0
)

// risk_score weights
const (
	weightSmoker      = 1.5
	weightBMIHigh     = 1.2
	weightGlucoseHigh = 1.4
	weightCardio      = 1.7
	weightSenior      = 1.3
)

// GlucoseQuantiles are the 25th/50th/75th percentiles of avg_glucose_level in
// the training split. They are fixed at training time and shipped in the
// model metadata; a single request never recomputes them.
type GlucoseQuantiles struct {
	Q1 float64 `json:"q1"`
	Q2 float64 `json:"q2"`
	Q3 float64 `json:"q3"`
}

// DefaultGlucoseQuantiles are the quartiles of the public stroke dataset the
// bundled model was trained on. Used only when metadata omits them.
var DefaultGlucoseQuantiles = GlucoseQuantiles{Q1: 77.245, Q2: 91.885, Q3: 114.09}

func (q GlucoseQuantiles) Valid() bool {
	for _, v := range []float64{q.Q1, q.Q2, q.Q3} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return q.Q1 <= q.Q2 && q.Q2 <= q.Q3
}

func (q GlucoseQuantiles) Map() map[string]float64 {
	return map[string]float64{"q1": q.Q1, "q2": q.Q2, "q3": q.Q3}
}

// bin is a right-closed interval (previous upper, upper].
type bin struct {
	upper float64
	label string
}

var ageGroups = []bin{
	{18, "child"},
	{30, "young_adult"},
	{45, "adult"},
	{60, "middle_aged"},
	{80, "senior"},
	{120, "elderly"},
}

var bmiCategories = []bin{
	{18.5, "Underweight"},
	{25, "Normal"},
	{30, "Overweight"},
	{35, "Obese I"},
	{40, "Obese II"},
	{45, "Obese III"},
	{math.Inf(1), "Extreme"},
}

// cut places v in the first bin whose upper edge is >= v. Values at or below
// lower, above the last edge, or NaN fall in no bin and get "".
func cut(v, lower float64, bins []bin) string {
	if math.IsNaN(v) || v <= lower {
		return ""
	}
	i := sort.Search(len(bins), func(i int) bool { return v <= bins[i].upper })
	if i == len(bins) {
		return ""
	}
	return bins[i].label
}

// glucoseBins collapses duplicate cut points the same way the training code
// does; when fewer than four intervals remain they are labelled Q1..Qn.
func (q GlucoseQuantiles) glucoseBins() []bin {
	edges := []float64{q.Q1, q.Q2, q.Q3, math.Inf(1)}
	sort.Float64s(edges)
	uniq := edges[:0]
	for _, e := range edges {
		if e <= -1 {
			continue
		}
		if len(uniq) > 0 && uniq[len(uniq)-1] == e {
			continue
		}
		uniq = append(uniq, e)
	}

	labels := []string{"low", "med_low", "med_high", "high"}
	bins := make([]bin, len(uniq))
	for i, e := range uniq {
		label := fmt.Sprintf("Q%d", i+1)
		if len(uniq) == len(labels) {
			label = labels[i]
		}
		bins[i] = bin{upper: e, label: label}
	}
	return bins
}

// Enriched is RawInput plus every derived feature the scorer consumes.
type Enriched struct {
	models.RawInput

	AgeGroup    string `json:"age_group"`
	BMICategory string `json:"bmi_category"`
	GlucoseQ    string `json:"glucose_q"`

	SmokerFlag      int `json:"smoker_flag"`
	SeniorFlag      int `json:"senior_flag"`
	BMIHighFlag     int `json:"bmi_high_flag"`
	GlucoseHighFlag int `json:"glucose_high_flag"`
	CardioFlag      int `json:"cardio_flag"`

	AgeSquared            float64 `json:"age_squared"`
	BMIAgeRatio           float64 `json:"bmi_age_ratio"`
	GlucoseBMIRatio       float64 `json:"glucose_bmi_ratio"`
	BMISmokerInteraction  float64 `json:"bmi_smoker_interaction"`
	AgeBMIInteraction     float64 `json:"age_bmi_interaction"`
	AgeGlucoseInteraction float64 `json:"age_glucose_interaction"`
	AgeSmokerInteraction  float64 `json:"age_smoker_interaction"`

	RiskScore float64 `json:"risk_score"`
}

// Derive expands a raw record into the enriched feature set. It never fails
// and performs no validation: out-of-range values propagate.
func Derive(raw models.RawInput, q GlucoseQuantiles) Enriched {
	e := Enriched{RawInput: raw}

	e.AgeGroup = cut(raw.Age, 0, ageGroups)
	e.BMICategory = cut(raw.BMI, -1, bmiCategories)
	e.GlucoseQ = cut(raw.AvgGlucoseLevel, -1, q.glucoseBins())

	e.SmokerFlag = flag(models.IsSmoker(raw.SmokingStatus))
	e.SeniorFlag = flag(raw.Age >= SeniorAge)
	e.BMIHighFlag = flag(raw.BMI >= HighBMI)
	e.GlucoseHighFlag = flag(raw.AvgGlucoseLevel > q.Q3)
	e.CardioFlag = flag(raw.Hypertension == 1 || raw.HeartDisease == 1)

	bmiCapped := math.Min(raw.BMI, BMICap)
	smoker := float64(e.SmokerFlag)

	e.AgeSquared = raw.Age * raw.Age
	e.BMIAgeRatio = bmiCapped / (raw.Age + 1)
	e.GlucoseBMIRatio = raw.AvgGlucoseLevel / (bmiCapped + 1)
	e.BMISmokerInteraction = bmiCapped * smoker
	e.AgeBMIInteraction = raw.Age * bmiCapped
	e.AgeGlucoseInteraction = raw.Age * raw.AvgGlucoseLevel
	e.AgeSmokerInteraction = raw.Age * smoker

	e.RiskScore = weightSmoker*smoker +
		weightBMIHigh*float64(e.BMIHighFlag) +
		weightGlucoseHigh*float64(e.GlucoseHighFlag) +
		weightCardio*float64(e.CardioFlag) +
		weightSenior*float64(e.SeniorFlag)

	return e
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
