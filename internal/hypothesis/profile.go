package hypothesis

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var privateTypes = map[string]bool{
	"dm":          true,
	"secret_chat": true,
	"hidden_txn":  true,
}

// profileNight is the fixed night window of behavioral profiles.
var profileNight = domain.NightWindow{StartHour: 22, EndHour: 6}

// Profile summarizes the rhythm of an event stream. Untimed events count
// towards diversity and private flags only.
func Profile(events []*domain.ActivityEvent) (*domain.BehaviorProfile, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: events are required", domain.ErrValidation)
	}

	p := &domain.BehaviorProfile{Events: len(events)}
	var stamps []time.Time
	types := make(map[string]struct{})
	locations := make(map[string]struct{})
	private := 0

	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.Type != "" {
			types[ev.Type] = struct{}{}
		}
		if ev.Location != "" {
			locations[ev.Location] = struct{}{}
		}
		if privateTypes[ev.Type] {
			private++
		}
		if ev.Timestamp != nil {
			stamps = append(stamps, ev.Timestamp.UTC())
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	night := 0
	for _, ts := range stamps {
		h := ts.Hour()
		p.HourHistogram[h]++
		if profileNight.Contains(h) {
			night++
		}
	}

	p.Routine = routine(p.HourHistogram, len(stamps))
	if len(stamps) > 0 {
		p.NightRatio = float64(night) / float64(len(stamps))
	}
	p.Burstiness = burstiness(stamps)
	p.TypeDiversity = len(types)
	p.LocationDiversity = len(locations)

	p.Secrecy = clamp01(0.2*float64(private) + 0.5*p.NightRatio + 0.3*p.Burstiness)
	p.MultiRelRisk = clamp01(0.6*p.Secrecy + 0.4*(1-p.Routine))
	return p, nil
}

// routine is one minus the normalized entropy of the hour histogram.
func routine(hist [24]int, total int) float64 {
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, n := range hist {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		entropy -= p * math.Log(p)
	}
	return 1 - entropy/math.Log(24)
}

// burstiness is (sd-mean)/(sd+mean) of the gaps between events.
func burstiness(stamps []time.Time) float64 {
	if len(stamps) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(stamps)-1)
	sum := 0.0
	for i := 1; i < len(stamps); i++ {
		g := stamps[i].Sub(stamps[i-1]).Seconds()
		gaps = append(gaps, g)
		sum += g
	}
	mu := sum / float64(len(gaps))
	variance := 0.0
	for _, g := range gaps {
		variance += (g - mu) * (g - mu)
	}
	sd := math.Sqrt(variance / float64(len(gaps)))
	if sd+mu == 0 {
		return 0
	}
	return (sd - mu) / (sd + mu)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
