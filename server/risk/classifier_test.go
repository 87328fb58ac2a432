package risk

import (
	"testing"

	"github.com/san-kum/stroke-risk/server/models"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		p         float64
		threshold float64
		want      models.RiskLevel
	}{
		{"at threshold", 0.34, 0.34, models.RiskHigh},
		{"just below threshold", 0.339999, 0.34, models.RiskMedium},
		{"at medium cutoff", 0.15, 0.34, models.RiskMedium},
		{"below medium cutoff", 0.149999, 0.34, models.RiskLow},
		{"zero", 0, 0.34, models.RiskLow},
		{"one", 1, 0.34, models.RiskHigh},
		{"default threshold", 0.42, DefaultThreshold, models.RiskMedium},
		{"threshold below cutoff", 0.12, 0.1, models.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.p, tc.threshold); got != tc.want {
				t.Errorf("Classify(%v, %v) = %s, want %s", tc.p, tc.threshold, got, tc.want)
			}
		})
	}
}
