package rules

import (
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultPatternWeight applies to patterns without an explicit weight.
const DefaultPatternWeight = 10

var patternWeights = map[string]float64{
	domain.PatternAntiForensic:        40,
	domain.PatternPrivilegeEscalation: 50,
}

// PatternWeight returns the case score weight of a hypothesis type.
func PatternWeight(pattern string) float64 {
	if w, ok := patternWeights[pattern]; ok {
		return w
	}
	return DefaultPatternWeight
}

// Combine sums the weight of every hypothesis plus the anomaly score,
// clamps to [0,100], applies the sensitivity multiplier and clamps again.
// weightOf may be nil, in which case PatternWeight is used.
func Combine(hyps []domain.Hypothesis, anomaly float64, sensitivity domain.Sensitivity, weightOf func(domain.Hypothesis) float64) (float64, []domain.PatternContribution) {
	if weightOf == nil {
		weightOf = func(h domain.Hypothesis) float64 { return PatternWeight(h.Type) }
	}
	mult := sensitivity.Multiplier()

	contributions := make([]domain.PatternContribution, 0, len(hyps))
	var total float64
	for _, h := range hyps {
		w := weightOf(h)
		total += w
		contributions = append(contributions, domain.PatternContribution{
			Pattern:      h.Type,
			Weight:       w,
			Contribution: w * mult,
		})
	}
	total += anomaly

	return clamp(clamp(total, 0, 100)*mult, 0, 100), contributions
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
