package risk

import "github.com/san-kum/stroke-risk/server/models"

// MediumCutoff does not move with the configured threshold.
const MediumCutoff = 0.15

const DefaultThreshold = 0.5

func Classify(p, threshold float64) models.RiskLevel {
	switch {
	case p >= threshold:
		return models.RiskHigh
	case p >= MediumCutoff:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
