package features

import "sort"

// Vector is the named view of an Enriched record handed to a scorer.
// Numeric and categorical columns follow the split used when the model was
// trained: integer and float columns are numeric, everything else is
// one-hot encoded.
type Vector struct {
	Numeric     map[string]float64 `json:"numeric"`
	Categorical map[string]string  `json:"categorical"`
}

func (e *Enriched) Vector() Vector {
	return Vector{
		Numeric: map[string]float64{
			"age":                     e.Age,
			"hypertension":            float64(e.Hypertension),
			"heart_disease":           float64(e.HeartDisease),
			"avg_glucose_level":       e.AvgGlucoseLevel,
			"bmi":                     e.BMI,
			"smoker_flag":             float64(e.SmokerFlag),
			"senior_flag":             float64(e.SeniorFlag),
			"bmi_high_flag":           float64(e.BMIHighFlag),
			"glucose_high_flag":       float64(e.GlucoseHighFlag),
			"cardio_flag":             float64(e.CardioFlag),
			"age_squared":             e.AgeSquared,
			"bmi_age_ratio":           e.BMIAgeRatio,
			"glucose_bmi_ratio":       e.GlucoseBMIRatio,
			"bmi_smoker_interaction":  e.BMISmokerInteraction,
			"age_bmi_interaction":     e.AgeBMIInteraction,
			"age_glucose_interaction": e.AgeGlucoseInteraction,
			"age_smoker_interaction":  e.AgeSmokerInteraction,
			"risk_score":              e.RiskScore,
		},
		Categorical: map[string]string{
			"gender":         e.Gender,
			"ever_married":   e.EverMarried,
			"work_type":      e.WorkType,
			"Residence_type": e.ResidenceType,
			"smoking_status": e.SmokingStatus,
			"age_group":      e.AgeGroup,
			"bmi_category":   e.BMICategory,
			"glucose_q":      e.GlucoseQ,
		},
	}
}

// Flatten merges both column groups into one map, the shape the remote
// scoring service and the explanation payload expect.
func (v Vector) Flatten() map[string]any {
	out := make(map[string]any, len(v.Numeric)+len(v.Categorical))
	for k, val := range v.Numeric {
		out[k] = val
	}
	for k, val := range v.Categorical {
		out[k] = val
	}
	return out
}

// Names returns every column name in sorted order.
func (v Vector) Names() []string {
	names := make([]string, 0, len(v.Numeric)+len(v.Categorical))
	for k := range v.Numeric {
		names = append(names, k)
	}
	for k := range v.Categorical {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
