package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Built-in rule thresholds
const (
	minDeletions       = 5
	minEncrypted       = 3
	temporalConfidence = 0.80
	coverUpConfidence  = 0.85
)

// AntiForensic fires on mass deletion or encryption.
func AntiForensic(f Facts) (domain.Hypothesis, bool) {
	if f.Deletions < minDeletions && f.Encrypted < minEncrypted {
		return domain.Hypothesis{}, false
	}
	confidence := math.Min(0.95, 0.5+0.05*float64(f.Deletions)+0.1*float64(f.Encrypted))
	return domain.Hypothesis{
		Type:          domain.PatternAntiForensic,
		Severity:      domain.SeverityHigh,
		Reason:        fmt.Sprintf("%d deletions and %d encrypted files", f.Deletions, f.Encrypted),
		EvidenceCount: f.Deletions + f.Encrypted,
		Confidence:    confidence,
		Subject:       f.Subject,
	}, true
}

// TemporalInconsistency fires when files were deleted after a related
// protection failure.
func TemporalInconsistency(f Facts) (domain.Hypothesis, bool) {
	if f.DeletionsAfterFailure == 0 {
		return domain.Hypothesis{}, false
	}
	return domain.Hypothesis{
		Type:          domain.PatternTemporalInconsistency,
		Severity:      domain.SeverityHigh,
		Reason:        "evidence was deleted right after a decryption failure; check for intent to wipe",
		EvidenceCount: f.DeletionsAfterFailure,
		Confidence:    temporalConfidence,
		Subject:       f.Subject,
	}, true
}

// CoverUp fires on any custom protection failure.
func CoverUp(f Facts) (domain.Hypothesis, bool) {
	if f.CustomProtectionFailures == 0 {
		return domain.Hypothesis{}, false
	}
	return domain.Hypothesis{
		Type:          domain.PatternDeliberateCoverUp,
		Severity:      domain.SeverityCritical,
		Reason:        fmt.Sprintf("%d custom protection or obfuscation attempts recorded", f.CustomProtectionFailures),
		EvidenceCount: f.CustomProtectionFailures,
		Confidence:    coverUpConfidence,
		Subject:       f.Subject,
	}, true
}

// Builtins evaluates every built-in rule in a fixed order.
func Builtins(f Facts) []domain.Hypothesis {
	var out []domain.Hypothesis
	for _, rule := range []func(Facts) (domain.Hypothesis, bool){CoverUp, AntiForensic, TemporalInconsistency} {
		if h, ok := rule(f); ok {
			out = append(out, h)
		}
	}
	return out
}
