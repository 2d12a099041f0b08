package hypothesis

import (
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Anomaly score components
const (
	volumeScore   = 15
	offHoursScore = 20
	processScore  = 25
	maxAnomaly    = 60

	// unusualProcessLimit is the number of unusual process events tolerated
	unusualProcessLimit = 5
)

// ActivityStats are the counts an anomaly score is computed from.
type ActivityStats struct {
	Events           int
	Timed            int
	OffHours         int
	OffHoursRatio    float64
	UnusualProcesses int
	Deletions        int
	Encrypted        int
	Operations       map[string]int
}

// Summarize counts events against a baseline. Hours are taken in loc.
func Summarize(events []*domain.ActivityEvent, b *domain.Baseline, night domain.NightWindow, loc *time.Location) ActivityStats {
	if loc == nil {
		loc = time.UTC
	}
	usual := make([]string, 0, len(b.UsualProcesses))
	for _, p := range b.UsualProcesses {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			usual = append(usual, p)
		}
	}

	s := ActivityStats{Operations: make(map[string]int)}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		s.Events++

		op := strings.ToUpper(strings.TrimSpace(ev.Operation))
		if op != "" {
			s.Operations[op]++
		}
		if op == "DELETE" {
			s.Deletions++
		}
		if strings.EqualFold(strings.TrimSpace(ev.FileType), "ENCRYPTED") {
			s.Encrypted++
		}

		if ev.Timestamp != nil {
			s.Timed++
			if night.Contains(ev.Timestamp.In(loc).Hour()) {
				s.OffHours++
			}
		}

		if ev.ProcessName != "" && !isUsual(strings.ToLower(ev.ProcessName), usual) {
			s.UnusualProcesses++
		}
	}

	total := s.Events
	if total == 0 {
		total = 1
	}
	s.OffHoursRatio = float64(s.OffHours) / float64(total)
	return s
}

func isUsual(process string, usual []string) bool {
	for _, u := range usual {
		if strings.Contains(process, u) {
			return true
		}
	}
	return false
}

// Score returns the anomaly score of s against b, capped at 60.
func (s ActivityStats) Score(b *domain.Baseline) float64 {
	score := 0.0
	if float64(s.Events) > 2*b.AvgDailyOps {
		score += volumeScore
	}
	if s.OffHoursRatio > 5*b.AvgOffHoursRatio {
		score += offHoursScore
	}
	if s.UnusualProcesses > unusualProcessLimit {
		score += processScore
	}
	if score > maxAnomaly {
		score = maxAnomaly
	}
	return score
}

// AnomalyScore scores events against the baseline of their identity.
func AnomalyScore(events []*domain.ActivityEvent, b *domain.Baseline, night domain.NightWindow, loc *time.Location) float64 {
	return Summarize(events, b, night, loc).Score(b)
}
