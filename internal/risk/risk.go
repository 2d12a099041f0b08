// Package risk turns pair features and communication aggregates into
// bounded, explainable scores. Every function here is pure.
package risk

import (
	"math"
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Feature weights of the pair score.
const (
	WeightHotelOverlap    = 3.0
	WeightNightColocation = 0.5
	WeightSilentOverlap   = 2.0
	WeightSameCard        = 2.0
	WeightCashPair        = 1.0
	WeightCall            = 0.2
)

// DefaultRankLimit bounds Rank.
const DefaultRankLimit = 50

// MaxPairScore caps the pair score. Contributions stay uncapped.
const MaxPairScore = 100.0

// Feature names used in Features and Contributions.
const (
	FeatureHotelOverlaps   = "hotel_overlaps"
	FeatureNightColocation = "night_colocations"
	FeatureSilentOverlaps  = "silent_overlap"
	FeatureSameCard        = "same_card_pairs"
	FeatureCashPairs       = "cash_pairs"
	FeatureCalls           = "calls_between"
)

// Score computes the weighted pair score on [0, MaxPairScore]. Swapping a
// and b only swaps Subjects.
func Score(a, b string, f domain.PairFeatures) domain.RiskScore {
	a, b = domain.OrderedPair(a, b)

	features := map[string]float64{
		FeatureHotelOverlaps:   float64(f.HotelOverlaps),
		FeatureNightColocation: float64(f.NightColocation),
		FeatureSilentOverlaps:  float64(f.SilentOverlaps),
		FeatureSameCard:        float64(f.SameCard),
		FeatureCashPairs:       float64(f.CashPairs),
		FeatureCalls:           float64(f.Calls),
	}
	weights := map[string]float64{
		FeatureHotelOverlaps:   WeightHotelOverlap,
		FeatureNightColocation: WeightNightColocation,
		FeatureSilentOverlaps:  WeightSilentOverlap,
		FeatureSameCard:        WeightSameCard,
		FeatureCashPairs:       WeightCashPair,
		FeatureCalls:           WeightCall,
	}

	contributions := make(map[string]float64, len(features))
	// fixed summation order keeps the float result reproducible
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)

	score := 0.0
	for _, name := range names {
		c := features[name] * weights[name]
		contributions[name] = c
		score += c
	}
	score = math.Min(MaxPairScore, math.Max(0, score))

	return domain.RiskScore{
		Subjects:      [2]string{a, b},
		Score:         score,
		Min:           0,
		Max:           MaxPairScore,
		Severity:      PairSeverity(score),
		Features:      features,
		Contributions: contributions,
	}
}

// PairSeverity grades a pair score.
func PairSeverity(score float64) domain.Severity {
	switch {
	case score >= 10:
		return domain.SeverityCritical
	case score >= 5:
		return domain.SeverityHigh
	case score >= 2:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Relationship scores a communication aggregate on [0,1].
func Relationship(p domain.PairAggregate) domain.RelationshipRisk {
	total := float64(max(p.Total, 1))

	intimacy := math.Min(1, 0.6*math.Min(1, p.DecayedWeight)+0.4*float64(p.Meet)/total)
	secrecy := 0.5*float64(p.Private)/total + 0.5*float64(p.Night)/total
	r := math.Min(1, 0.5*secrecy+0.5*intimacy)

	return domain.RelationshipRisk{
		IdentityA: p.IdentityA,
		IdentityB: p.IdentityB,
		Intimacy:  intimacy,
		Secrecy:   secrecy,
		Risk:      r,
		Severity:  RelationshipSeverity(r),
	}
}

// RelationshipSeverity grades a relationship risk on [0,1].
func RelationshipSeverity(r float64) domain.Severity {
	switch {
	case r >= 0.7:
		return domain.SeverityCritical
	case r >= 0.4:
		return domain.SeverityHigh
	default:
		return domain.SeverityLow
	}
}

// CaseSeverity grades a case risk score on [0,100].
func CaseSeverity(score float64) domain.Severity {
	switch {
	case score >= 70:
		return domain.SeverityCritical
	case score >= 40:
		return domain.SeverityHigh
	default:
		return domain.SeverityLow
	}
}

// Rank scores every aggregate and returns the riskiest first. limit <= 0
// uses DefaultRankLimit.
func Rank(aggs []domain.PairAggregate, limit int) []domain.RelationshipRisk {
	if limit <= 0 {
		limit = DefaultRankLimit
	}
	out := make([]domain.RelationshipRisk, 0, len(aggs))
	for _, p := range aggs {
		out = append(out, Relationship(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Risk != out[j].Risk {
			return out[i].Risk > out[j].Risk
		}
		if out[i].IdentityA != out[j].IdentityA {
			return out[i].IdentityA < out[j].IdentityA
		}
		return out[i].IdentityB < out[j].IdentityB
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
