package spatial

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultMinHotelOverlap is the shared time that makes two stays at the same
// place count as a hotel overlap.
const DefaultMinHotelOverlap = 30 * time.Minute

// Interval is a closed time range.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// HotelMatch is a pair of stays of two persons at the same place.
type HotelMatch struct {
	PlaceID  string   `json:"placeId"`
	A        Interval `json:"a"`
	B        Interval `json:"b"`
	OverlapS float64  `json:"overlapS"`
	SameCard bool     `json:"sameCard"`
	Cash     bool     `json:"cash"`
}

// HotelSummary counts the hotel features of a pair.
type HotelSummary struct {
	Matches   []HotelMatch `json:"matches"`
	Overlaps  int          `json:"overlaps"`
	SameCard  int          `json:"sameCard"`
	CashPairs int          `json:"cashPairs"`
}

// Intervals returns the stay interval of A in every match. Silent overlap
// is checked over these.
func (s HotelSummary) Intervals() []Interval {
	out := make([]Interval, 0, len(s.Matches))
	for _, m := range s.Matches {
		out = append(out, m.A)
	}
	return out
}

// HotelOverlap joins the stays of two persons on place. Every same-place
// pair is a match; it counts as an overlap when the shared time reaches
// minOverlap. Card and cash indicators count over every match.
func HotelOverlap(staysA, staysB []domain.HotelStay, minOverlap time.Duration) HotelSummary {
	if minOverlap <= 0 {
		minOverlap = DefaultMinHotelOverlap
	}

	byPlace := make(map[string][]domain.HotelStay)
	for _, b := range staysB {
		byPlace[b.PlaceID] = append(byPlace[b.PlaceID], b)
	}

	var sum HotelSummary
	for _, a := range staysA {
		for _, b := range byPlace[a.PlaceID] {
			m := HotelMatch{
				PlaceID:  a.PlaceID,
				A:        Interval{Start: a.CheckIn, End: a.CheckOut},
				B:        Interval{Start: b.CheckIn, End: b.CheckOut},
				OverlapS: Overlap(a.CheckIn, a.CheckOut, b.CheckIn, b.CheckOut),
				SameCard: a.CardLast4 != "" && a.CardLast4 == b.CardLast4,
				Cash:     a.PaidCash || b.PaidCash,
			}
			if m.OverlapS >= minOverlap.Seconds() {
				sum.Overlaps++
			}
			if m.SameCard {
				sum.SameCard++
			}
			if m.Cash {
				sum.CashPairs++
			}
			sum.Matches = append(sum.Matches, m)
		}
	}
	return sum
}

// SilentOverlaps counts the intervals in which both identities have at
// most one ping.
func SilentOverlaps(intervals []Interval, pingsA, pingsB []domain.Ping) int {
	silent := 0
	for _, iv := range intervals {
		if countIn(pingsA, iv) <= 1 && countIn(pingsB, iv) <= 1 {
			silent++
		}
	}
	return silent
}

func countIn(pings []domain.Ping, iv Interval) int {
	n := 0
	for _, p := range pings {
		if !p.Timestamp.Before(iv.Start) && !p.Timestamp.After(iv.End) {
			n++
		}
	}
	return n
}

// ColocationOptions controls NightColocations.
type ColocationOptions struct {
	MaxDistM float64
	Night    domain.NightWindow
	Bucket   time.Duration
	Location *time.Location
}

// DefaultColocationOptions returns 150 m, 22:00 to 06:00 and 10 minute buckets.
func DefaultColocationOptions() ColocationOptions {
	return ColocationOptions{
		MaxDistM: 150,
		Night:    domain.NightWindow{StartHour: 22, EndHour: 6},
		Bucket:   10 * time.Minute,
		Location: time.UTC,
	}
}

func (o ColocationOptions) withDefaults() ColocationOptions {
	d := DefaultColocationOptions()
	if o.MaxDistM <= 0 {
		o.MaxDistM = d.MaxDistM
	}
	if o.Night == (domain.NightWindow{}) {
		o.Night = d.Night
	}
	if o.Bucket <= 0 {
		o.Bucket = d.Bucket
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	return o
}

// NightColocations buckets the night pings of both identities by time and
// counts, in every shared bucket, the A points that have a B point within
// MaxDistM. Each A point counts at most once.
func NightColocations(pa, pb []domain.Ping, opts ColocationOptions) int {
	opts = opts.withDefaults()

	a := nightBuckets(pa, opts)
	b := nightBuckets(pb, opts)

	hits := 0
	for k, ptsA := range a {
		ptsB, ok := b[k]
		if !ok {
			continue
		}
		for _, p := range ptsA {
			for _, q := range ptsB {
				if Haversine(p.Lat, p.Lon, q.Lat, q.Lon) <= opts.MaxDistM {
					hits++
					break
				}
			}
		}
	}
	return hits
}

func nightBuckets(pings []domain.Ping, opts ColocationOptions) map[int64][]domain.Ping {
	out := make(map[int64][]domain.Ping)
	for _, p := range pings {
		if !opts.Night.Contains(p.Timestamp.In(opts.Location).Hour()) {
			continue
		}
		k := p.Timestamp.Truncate(opts.Bucket).Unix()
		out[k] = append(out[k], p)
	}
	return out
}

// SafeHouseOptions controls SafeHouses.
type SafeHouseOptions struct {
	MinHits  int
	Limit    int
	Night    domain.NightWindow
	Location *time.Location
}

// SafeHouses groups night pings into 3-decimal lat/lon cells and returns
// the cells with at least MinHits pings, most visited first.
func SafeHouses(pings []domain.Ping, opts SafeHouseOptions) []domain.SafeHouse {
	if opts.MinHits <= 0 {
		opts.MinHits = 6
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Night == (domain.NightWindow{}) {
		opts.Night = domain.NightWindow{StartHour: 22, EndHour: 6}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	type cell struct {
		lat, lon float64
		n        int
	}
	cells := make(map[[2]int64]*cell)
	for _, p := range pings {
		if !opts.Night.Contains(p.Timestamp.In(opts.Location).Hour()) {
			continue
		}
		k := [2]int64{int64(math.Round(p.Lat * 1000)), int64(math.Round(p.Lon * 1000))}
		c, ok := cells[k]
		if !ok {
			c = &cell{}
			cells[k] = c
		}
		c.lat += p.Lat
		c.lon += p.Lon
		c.n++
	}

	var out []domain.SafeHouse
	for _, c := range cells {
		if c.n < opts.MinHits {
			continue
		}
		out = append(out, domain.SafeHouse{
			Lat:  round6(c.lat / float64(c.n)),
			Lon:  round6(c.lon / float64(c.n)),
			Hits: c.n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		if out[i].Lat != out[j].Lat {
			return out[i].Lat < out[j].Lat
		}
		return out[i].Lon < out[j].Lon
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
