package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/stroke-risk/server/features"
	"github.com/san-kum/stroke-risk/server/models"
	"go.uber.org/zap"
)

// band is the half-open interval [previous upper, upper).
type band struct {
	upper float64
	delta float64
	label string
}

// Bands are sorted by upper edge. The first band is open below and the last
// is open above.
var bmiBands = []band{
	{16, 0.05, "<16"},
	{18.5, 0.03, "[16,18.5)"},
	{30, 0, "[18.5,30)"},
	{35, 0.02, "[30,35)"},
	{40, 0.05, "[35,40)"},
	{50, 0.08, "[40,50)"},
	{60, 0.12, "[50,60)"},
	// No rule covers [60,70). Kept at zero until the intended delta is
	// confirmed; see BMIGapBand.
	{70, 0, "[60,70)"},
	{80, 0.15, "[70,80)"},
	{90, 0.20, "[80,90)"},
	{math.Inf(1), 0.28, ">=90"},
}

var glucoseBands = []band{
	{70, 0.03, "<70"},
	{100, 0, "[70,100)"},
	{126, 0.02, "[100,126)"},
	{200, 0.05, "[126,200)"},
	{300, 0.10, "[200,300)"},
	{math.Inf(1), 0.15, ">=300"},
}

var smokingDeltas = map[string]float64{
	models.SmokingSmokes:         0.06,
	models.SmokingFormerlySmoked: 0.02,
	models.SmokingNeverSmoked:    0,
	models.SmokingUnknown:        0.01,
}

var residenceDeltas = map[string]float64{
	models.ResidenceRural: -0.02,
	models.ResidenceUrban: 0,
}

// BMIGapBand is the BMI interval with no adjustment rule.
var BMIGapBand = [2]float64{60, 70}

// lookup returns the band containing v, or false for NaN.
func lookup(bands []band, v float64) (band, bool) {
	if math.IsNaN(v) {
		return band{}, false
	}
	i := sort.Search(len(bands), func(i int) bool { return v < bands[i].upper })
	if i == len(bands) {
		return band{}, false
	}
	return bands[i], true
}

// Explain lists the rule corrections that apply to f, one per dimension.
// Dimensions with no matching rule are omitted.
func Explain(f *features.Enriched) []models.Adjustment {
	var out []models.Adjustment

	residence := models.NormalizeResidence(f.ResidenceType)
	if d, ok := residenceDeltas[residence]; ok {
		out = append(out, models.Adjustment{Dimension: "residence", Band: residence, Delta: d})
	}

	smoking := models.NormalizeSmokingStatus(f.SmokingStatus)
	if d, ok := smokingDeltas[smoking]; ok {
		out = append(out, models.Adjustment{Dimension: "smoking", Band: smoking, Delta: d})
	}

	if b, ok := lookup(bmiBands, f.BMI); ok {
		out = append(out, models.Adjustment{Dimension: "bmi", Band: b.label, Delta: b.delta})
	}

	if b, ok := lookup(glucoseBands, f.AvgGlucoseLevel); ok {
		out = append(out, models.Adjustment{Dimension: "glucose", Band: b.label, Delta: b.delta})
	}

	return out
}

// Adjust adds every applicable correction to the raw model probability and
// clips the sum to [0,1].
func Adjust(raw float64, f *features.Enriched) float64 {
	p := raw
	for _, a := range Explain(f) {
		p += a.Delta
	}
	return Clip(p)
}

func Clip(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}

// WarnIfGapBand logs when a BMI falls in the band without a rule, so the
// silent zero delta shows up in the logs.
func WarnIfGapBand(logger *zap.Logger, bmi float64) {
	if bmi >= BMIGapBand[0] && bmi < BMIGapBand[1] {
		logger.Warn("BMI falls in band without adjustment rule",
			zap.Float64("bmi", bmi),
			zap.String("band", fmt.Sprintf("[%g,%g)", BMIGapBand[0], BMIGapBand[1])))
	}
}
