// Package aggregate folds pairwise communication events into per-pair
// counters with an exponentially decayed weight.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultHalfLife is the decay half-life of an event's weight.
const DefaultHalfLife = 30 * 24 * time.Hour

// KeyFunc maps a raw actor or peer reference seen on platform to an
// identity key. It reports false when the reference does not resolve.
type KeyFunc func(platform, ref string) (string, bool)

// Options controls a fold.
type Options struct {
	HalfLife time.Duration
	KeyFunc  KeyFunc
	Night    domain.NightWindow
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.HalfLife <= 0 {
		o.HalfLife = DefaultHalfLife
	}
	if o.KeyFunc == nil {
		o.KeyFunc = func(_, ref string) (string, bool) { return ref, ref != "" }
	}
	if o.Night == (domain.NightWindow{}) {
		o.Night = domain.NightWindow{StartHour: 22, EndHour: 6}
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Result is the outcome of Aggregate.
type Result struct {
	Pairs    []domain.PairAggregate `json:"pairs"`
	Total    int                    `json:"total"`
	Unpaired int                    `json:"unpaired"`
	Untimed  int                    `json:"untimed"`
	Skipped  int                    `json:"skipped"`
}

// Aggregate folds events into one PairAggregate per unordered identity
// pair. Events are sorted first so the result does not depend on input
// order. Decay is measured from the newest timestamp in the batch.
func Aggregate(events []domain.Event, opts Options) Result {
	opts = opts.withDefaults()

	sorted := append([]domain.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return eventLess(&sorted[i], &sorted[j]) })

	var now time.Time
	for i := range sorted {
		if ts := sorted[i].Timestamp; ts != nil && ts.After(now) {
			now = *ts
		}
	}

	res := Result{Total: len(sorted)}
	pairs := make(map[[2]string]*domain.PairAggregate)
	halfLife := opts.HalfLife.Seconds()

	for i := range sorted {
		e := &sorted[i]
		if e.ActorKey == "" || e.Channel == "" {
			res.Skipped++
			continue
		}
		a, okA := opts.KeyFunc(e.Platform, e.ActorKey)
		b, okB := opts.KeyFunc(e.Platform, e.PeerKey)
		if !okA || !okB || a == b {
			res.Unpaired++
			continue
		}
		a, b = domain.OrderedPair(a, b)

		p, ok := pairs[[2]string{a, b}]
		if !ok {
			p = &domain.PairAggregate{
				IdentityA:     a,
				IdentityB:     b,
				ChannelCounts: make(map[string]int),
			}
			pairs[[2]string{a, b}] = p
		}

		p.ChannelCounts[e.Channel]++
		p.Total++
		if e.Private {
			p.Private++
		}
		// a transaction puts both parties in one place
		if e.Channel == domain.ChannelMeet || e.Channel == domain.ChannelTxn {
			p.Meet++
		}

		if e.Timestamp == nil {
			res.Untimed++
			continue
		}
		ts := *e.Timestamp
		age := math.Max(0, now.Sub(ts).Seconds())
		p.DecayedWeight += math.Pow(0.5, age/halfLife)
		if p.FirstTS == nil || ts.Before(*p.FirstTS) {
			t := ts
			p.FirstTS = &t
		}
		if p.LastTS == nil || ts.After(*p.LastTS) {
			t := ts
			p.LastTS = &t
		}
		if opts.Night.Contains(ts.In(opts.Location).Hour()) {
			p.Night++
		}
	}

	res.Pairs = make([]domain.PairAggregate, 0, len(pairs))
	for _, p := range pairs {
		res.Pairs = append(res.Pairs, *p)
	}
	SortPairs(res.Pairs)
	return res
}

// SortPairs orders aggregates by (A, B).
func SortPairs(pairs []domain.PairAggregate) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].IdentityA != pairs[j].IdentityA {
			return pairs[i].IdentityA < pairs[j].IdentityA
		}
		return pairs[i].IdentityB < pairs[j].IdentityB
	})
}

// Merge combines two aggregates of the same pair. Counters add, the time
// span widens and decayed weights add as is.
func Merge(a, b domain.PairAggregate) domain.PairAggregate {
	out := domain.PairAggregate{
		IdentityA:     a.IdentityA,
		IdentityB:     a.IdentityB,
		ChannelCounts: make(map[string]int, len(a.ChannelCounts)+len(b.ChannelCounts)),
		Total:         a.Total + b.Total,
		Private:       a.Private + b.Private,
		Night:         a.Night + b.Night,
		Meet:          a.Meet + b.Meet,
		FirstTS:       earliest(a.FirstTS, b.FirstTS),
		LastTS:        latest(a.LastTS, b.LastTS),
		DecayedWeight: a.DecayedWeight + b.DecayedWeight,
	}
	if out.IdentityA == "" {
		out.IdentityA, out.IdentityB = b.IdentityA, b.IdentityB
	}
	for ch, n := range a.ChannelCounts {
		out.ChannelCounts[ch] += n
	}
	for ch, n := range b.ChannelCounts {
		out.ChannelCounts[ch] += n
	}
	return out
}

// MergeAll folds incoming into existing by pair and returns the sorted union.
func MergeAll(existing, incoming []domain.PairAggregate) []domain.PairAggregate {
	byPair := make(map[[2]string]domain.PairAggregate, len(existing)+len(incoming))
	for _, p := range existing {
		byPair[[2]string{p.IdentityA, p.IdentityB}] = p
	}
	for _, p := range incoming {
		k := [2]string{p.IdentityA, p.IdentityB}
		if prev, ok := byPair[k]; ok {
			byPair[k] = Merge(prev, p)
		} else {
			byPair[k] = p
		}
	}
	out := make([]domain.PairAggregate, 0, len(byPair))
	for _, p := range byPair {
		out = append(out, p)
	}
	SortPairs(out)
	return out
}

// Rekey maps both sides of every pair through fn and folds pairs that land
// on the same keys. A key fn does not resolve is kept; a pair whose sides
// collapse into one key is dropped. Folding pairs of one fold keeps decay
// exact since they share a reference time.
func Rekey(pairs []domain.PairAggregate, fn func(key string) (string, bool)) []domain.PairAggregate {
	mapped := make([]domain.PairAggregate, 0, len(pairs))
	for _, p := range pairs {
		a, b := p.IdentityA, p.IdentityB
		if k, ok := fn(a); ok {
			a = k
		}
		if k, ok := fn(b); ok {
			b = k
		}
		if a == b {
			continue
		}
		p.IdentityA, p.IdentityB = domain.OrderedPair(a, b)
		mapped = append(mapped, p)
	}
	return MergeAll(nil, mapped)
}

func eventLess(a, b *domain.Event) bool {
	switch {
	case a.Timestamp == nil && b.Timestamp != nil:
		return true
	case a.Timestamp != nil && b.Timestamp == nil:
		return false
	case a.Timestamp != nil && !a.Timestamp.Equal(*b.Timestamp):
		return a.Timestamp.Before(*b.Timestamp)
	}
	if a.ActorKey != b.ActorKey {
		return a.ActorKey < b.ActorKey
	}
	if a.PeerKey != b.PeerKey {
		return a.PeerKey < b.PeerKey
	}
	if a.Channel != b.Channel {
		return a.Channel < b.Channel
	}
	return a.ID < b.ID
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}
