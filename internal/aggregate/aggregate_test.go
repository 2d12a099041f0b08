package aggregate

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func ev(id, actor, peer, channel string, ts *time.Time, private bool) domain.Event {
	return domain.Event{ID: id, ActorKey: actor, PeerKey: peer, Channel: channel, Timestamp: ts, Private: private}
}

func TestAggregateCounters(t *testing.T) {
	events := []domain.Event{
		ev("1", "bob", "alice", domain.ChannelDM, at("2024-03-01T23:30:00Z"), true),
		ev("2", "alice", "bob", domain.ChannelMeet, at("2024-03-02T12:00:00Z"), false),
		ev("3", "alice", "bob", domain.ChannelCall, nil, true),
		ev("4", "alice", "alice", domain.ChannelDM, at("2024-03-02T12:00:00Z"), false),
		ev("5", "alice", "", domain.ChannelPost, at("2024-03-02T12:00:00Z"), false),
		ev("6", "", "bob", domain.ChannelDM, at("2024-03-02T12:00:00Z"), false),
	}

	res := Aggregate(events, Options{})
	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 2, res.Unpaired)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Untimed)

	require.Len(t, res.Pairs, 1)
	p := res.Pairs[0]
	assert.Equal(t, "alice", p.IdentityA)
	assert.Equal(t, "bob", p.IdentityB)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 2, p.Private)
	assert.Equal(t, 1, p.Meet)
	assert.Equal(t, 1, p.Night)
	assert.Equal(t, map[string]int{"dm": 1, "meet": 1, "call": 1}, p.ChannelCounts)
	assert.Equal(t, *at("2024-03-01T23:30:00Z"), *p.FirstTS)
	assert.Equal(t, *at("2024-03-02T12:00:00Z"), *p.LastTS)
}

func TestAggregateDecay(t *testing.T) {
	events := []domain.Event{
		ev("1", "a", "b", domain.ChannelSMS, at("2024-01-01T00:00:00Z"), false),
		ev("2", "a", "b", domain.ChannelSMS, at("2024-01-31T00:00:00Z"), false),
	}

	res := Aggregate(events, Options{})
	require.Len(t, res.Pairs, 1)
	// newest event weighs 1, the one a half-life older weighs 0.5
	assert.InDelta(t, 1.5, res.Pairs[0].DecayedWeight, 1e-9)

	res = Aggregate(events, Options{HalfLife: 15 * 24 * time.Hour})
	assert.InDelta(t, 1.25, res.Pairs[0].DecayedWeight, 1e-9)
}

func TestAggregateUntimedOnly(t *testing.T) {
	res := Aggregate([]domain.Event{
		ev("1", "a", "b", domain.ChannelTxn, nil, false),
	}, Options{})

	require.Len(t, res.Pairs, 1)
	p := res.Pairs[0]
	assert.Equal(t, 1, p.Total)
	assert.Zero(t, p.DecayedWeight)
	assert.Nil(t, p.FirstTS)
	assert.Nil(t, p.LastTS)
	assert.Zero(t, p.Night)
}

func TestAggregateOrderIndependent(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var events []domain.Event
	peers := []string{"b", "c", "d"}
	for i := 0; i < 60; i++ {
		ts := base.Add(time.Duration(i*37) * time.Hour)
		events = append(events, ev(
			string(rune('A'+i%26))+string(rune('0'+i%10)),
			"a", peers[i%3], domain.ChannelMsg, &ts, i%4 == 0,
		))
	}

	want := Aggregate(events, Options{})

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		shuffled := append([]domain.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Aggregate(shuffled, Options{})
		require.Len(t, got.Pairs, len(want.Pairs))
		for i := range want.Pairs {
			assert.Equal(t, want.Pairs[i].DecayedWeight, got.Pairs[i].DecayedWeight)
			assert.Equal(t, want.Pairs[i].Total, got.Pairs[i].Total)
		}
	}
}

func TestAggregateKeyFunc(t *testing.T) {
	idx := map[string]string{
		"telegram/owl": "id-1",
		"sms/+1650":    "id-1",
		"x/fox":        "id-2",
	}
	keyFn := func(_, ref string) (string, bool) {
		id, ok := idx[ref]
		return id, ok
	}

	res := Aggregate([]domain.Event{
		ev("1", "telegram/owl", "x/fox", domain.ChannelDM, at("2024-01-01T10:00:00Z"), false),
		ev("2", "sms/+1650", "x/fox", domain.ChannelSMS, at("2024-01-01T11:00:00Z"), false),
		ev("3", "telegram/owl", "sms/+1650", domain.ChannelDM, at("2024-01-01T12:00:00Z"), false),
		ev("4", "unknown/ref", "x/fox", domain.ChannelDM, at("2024-01-01T12:00:00Z"), false),
	}, Options{KeyFunc: keyFn})

	require.Len(t, res.Pairs, 1)
	assert.Equal(t, 2, res.Pairs[0].Total)
	assert.Equal(t, 2, res.Unpaired)
}

func TestAggregateKeyFuncSeesPlatform(t *testing.T) {
	keyFn := func(platform, ref string) (string, bool) {
		return platform + "/" + ref, ref != ""
	}
	a := ev("1", "owl", "fox", domain.ChannelDM, at("2024-01-01T10:00:00Z"), false)
	a.Platform = "telegram"
	b := ev("2", "owl", "fox", domain.ChannelDM, at("2024-01-01T11:00:00Z"), false)
	b.Platform = "x"

	res := Aggregate([]domain.Event{a, b}, Options{KeyFunc: keyFn})
	require.Len(t, res.Pairs, 2)
	assert.Equal(t, "telegram/fox", res.Pairs[0].IdentityA)
	assert.Equal(t, "x/fox", res.Pairs[1].IdentityA)
}

func TestAggregateTxnCountsAsMeet(t *testing.T) {
	res := Aggregate([]domain.Event{
		ev("1", "alice", "bob", domain.ChannelTxn, at("2024-03-01T12:00:00Z"), false),
		ev("2", "alice", "bob", domain.ChannelMeet, at("2024-03-02T12:00:00Z"), false),
		ev("3", "alice", "bob", domain.ChannelDM, at("2024-03-03T12:00:00Z"), false),
	}, Options{})
	require.Len(t, res.Pairs, 1)
	assert.Equal(t, 3, res.Pairs[0].Total)
	assert.Equal(t, 2, res.Pairs[0].Meet)
}

func TestRekey(t *testing.T) {
	events := []domain.Event{
		ev("1", "telegram/owl", "x/fox", domain.ChannelDM, at("2024-01-01T10:00:00Z"), true),
		ev("2", "sms/+1650", "x/fox", domain.ChannelMeet, at("2024-01-02T23:00:00Z"), false),
		ev("3", "telegram/owl", "sms/+1650", domain.ChannelDM, at("2024-01-03T12:00:00Z"), false),
		ev("4", "x/fox", "x/stranger", domain.ChannelDM, at("2024-01-04T12:00:00Z"), false),
	}
	idx := map[string]string{"telegram/owl": "id-1", "sms/+1650": "id-1"}
	identity := func(k string) (string, bool) {
		id, ok := idx[k]
		return id, ok
	}

	accounts := Aggregate(events, Options{})
	require.Len(t, accounts.Pairs, 4)

	pairs := Rekey(accounts.Pairs, identity)
	require.Len(t, pairs, 2, "intra-identity traffic is dropped")
	assert.Equal(t, "id-1", pairs[0].IdentityA)
	assert.Equal(t, "x/fox", pairs[0].IdentityB)
	assert.Equal(t, 2, pairs[0].Total)
	assert.Equal(t, 1, pairs[0].Meet)
	assert.Equal(t, *at("2024-01-01T10:00:00Z"), *pairs[0].FirstTS)
	assert.Equal(t, *at("2024-01-02T23:00:00Z"), *pairs[0].LastTS)
	assert.Equal(t, "x/stranger", pairs[1].IdentityB)

	// folding account pairs matches aggregating by identity directly
	direct := Aggregate(events, Options{KeyFunc: func(_, ref string) (string, bool) {
		if id, ok := idx[ref]; ok {
			return id, true
		}
		return ref, ref != ""
	}})
	require.Len(t, direct.Pairs, 2)
	assert.InDelta(t, direct.Pairs[0].DecayedWeight, pairs[0].DecayedWeight, 1e-9)
	assert.Equal(t, direct.Pairs[0].Night, pairs[0].Night)
}

func TestAggregateNightUsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// 03:00 UTC is 23:00 the previous evening in New York (EDT)
	events := []domain.Event{ev("1", "a", "b", domain.ChannelCall, at("2024-07-01T03:00:00Z"), false)}

	assert.Equal(t, 1, Aggregate(events, Options{}).Pairs[0].Night)
	assert.Equal(t, 1, Aggregate(events, Options{Location: ny}).Pairs[0].Night)

	noon := []domain.Event{ev("1", "a", "b", domain.ChannelCall, at("2024-07-01T16:00:00Z"), false)}
	assert.Zero(t, Aggregate(noon, Options{Location: ny}).Pairs[0].Night)
}

func TestMerge(t *testing.T) {
	a := domain.PairAggregate{
		IdentityA: "a", IdentityB: "b",
		ChannelCounts: map[string]int{"dm": 2},
		Total:         2, Private: 1, Night: 1,
		FirstTS:       at("2024-01-02T00:00:00Z"),
		LastTS:        at("2024-01-03T00:00:00Z"),
		DecayedWeight: 1.2,
	}
	b := domain.PairAggregate{
		IdentityA: "a", IdentityB: "b",
		ChannelCounts: map[string]int{"dm": 1, "meet": 1},
		Total:         2, Meet: 1,
		FirstTS:       at("2024-01-01T00:00:00Z"),
		DecayedWeight: 0.8,
	}

	m := Merge(a, b)
	assert.Equal(t, 4, m.Total)
	assert.Equal(t, 1, m.Private)
	assert.Equal(t, 1, m.Meet)
	assert.Equal(t, map[string]int{"dm": 3, "meet": 1}, m.ChannelCounts)
	assert.Equal(t, *at("2024-01-01T00:00:00Z"), *m.FirstTS)
	assert.Equal(t, *at("2024-01-03T00:00:00Z"), *m.LastTS)
	assert.True(t, math.Abs(m.DecayedWeight-2.0) < 1e-9)

	all := MergeAll([]domain.PairAggregate{a}, []domain.PairAggregate{b, {IdentityA: "a", IdentityB: "c", Total: 1}})
	require.Len(t, all, 2)
	assert.Equal(t, 4, all[0].Total)
	assert.Equal(t, "c", all[1].IdentityB)
}
