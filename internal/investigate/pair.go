package investigate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/harrier/internal/aggregate"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/spatial"
)

// Pair scoring defaults.
const (
	DefaultPairDays     = 90
	DefaultPairMaxDistM = 150
	relationshipLimit   = 50
)

// PairRequest selects two persons and the evidence window. When From and
// To are both zero the window is the last Days days.
type PairRequest struct {
	A        string    `json:"a"`
	B        string    `json:"b"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Days     int       `json:"days,omitempty"`
	MaxDistM float64   `json:"maxDistM,omitempty"`
}

func (s *Service) pairWindow(req PairRequest) (time.Time, time.Time, error) {
	from, to := req.From, req.To
	if from.IsZero() && to.IsZero() {
		days := req.Days
		if days <= 0 {
			days = DefaultPairDays
		}
		to = s.now().UTC()
		from = to.AddDate(0, 0, -days)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: window ends before it starts", domain.ErrValidation)
	}
	return from, to, nil
}

// PairScore gathers the stays, pings and calls of two persons over the
// window and scores their co-presence.
func (s *Service) PairScore(ctx context.Context, caseID string, req PairRequest) (res *domain.RiskScore, err error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	if req.A == "" || req.B == "" {
		return nil, fmt.Errorf("%w: both persons are required", domain.ErrValidation)
	}
	if req.A == req.B {
		return nil, fmt.Errorf("%w: a person cannot be paired with itself", domain.ErrValidation)
	}
	from, to, err := s.pairWindow(req)
	if err != nil {
		return nil, err
	}
	maxDist := req.MaxDistM
	if maxDist <= 0 {
		maxDist = s.cfg.ColocationDistanceM
	}
	if maxDist <= 0 {
		maxDist = DefaultPairMaxDistM
	}

	start := s.now()
	ctx, span := s.startSpan(ctx, "investigate.PairScore", caseID,
		attribute.String("pair.a", req.A),
		attribute.String("pair.b", req.B),
	)
	defer func() { endSpan(span, err) }()

	var (
		staysA, staysB []*domain.HotelStay
		pingsA, pingsB []*domain.Ping
		calls          int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		staysA, err = fetch(gctx, s, "list_stays", func(ctx context.Context) ([]*domain.HotelStay, error) {
			return s.repo.ListHotelStays(ctx, caseID, req.A, from, to)
		})
		return err
	})
	g.Go(func() (err error) {
		staysB, err = fetch(gctx, s, "list_stays", func(ctx context.Context) ([]*domain.HotelStay, error) {
			return s.repo.ListHotelStays(ctx, caseID, req.B, from, to)
		})
		return err
	})
	g.Go(func() (err error) {
		pingsA, err = fetch(gctx, s, "list_pings", func(ctx context.Context) ([]*domain.Ping, error) {
			return s.repo.ListPings(ctx, caseID, req.A, from, to)
		})
		return err
	})
	g.Go(func() (err error) {
		pingsB, err = fetch(gctx, s, "list_pings", func(ctx context.Context) ([]*domain.Ping, error) {
			return s.repo.ListPings(ctx, caseID, req.B, from, to)
		})
		return err
	})
	g.Go(func() (err error) {
		calls, err = fetch(gctx, s, "count_calls", func(ctx context.Context) (int, error) {
			return s.repo.CountCalls(ctx, caseID, req.A, req.B, from, to)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read pair evidence: %w", err)
	}

	pa, pb := values(pingsA), values(pingsB)
	hotels := spatial.HotelOverlap(values(staysA), values(staysB), s.cfg.MinHotelOverlap)
	features := domain.PairFeatures{
		HotelOverlaps: hotels.Overlaps,
		NightColocation: spatial.NightColocations(pa, pb, spatial.ColocationOptions{
			MaxDistM: maxDist,
			Night:    s.cfg.NightWindow(),
			Bucket:   s.cfg.ColocationBucket,
			Location: s.cfg.Location(),
		}),
		SilentOverlaps: spatial.SilentOverlaps(hotels.Intervals(), pa, pb),
		SameCard:       hotels.SameCard,
		CashPairs:      hotels.CashPairs,
		Calls:          calls,
	}

	score := risk.Score(req.A, req.B, features)
	s.metrics.ObservePairScore(s.now().Sub(start))
	span.SetAttributes(attribute.Float64("pair.score", score.Score))

	s.logger.Debug("pair scored",
		"case_id", caseID,
		"a", req.A,
		"b", req.B,
		"score", score.Score,
		"severity", score.Severity,
	)
	return &score, nil
}

// ScorePairs scores many pairs with at most MaxWorkers in flight. Results
// keep the order of reqs; the first failure cancels the rest.
func (s *Service) ScorePairs(ctx context.Context, caseID string, reqs []PairRequest) ([]*domain.RiskScore, error) {
	out := make([]*domain.RiskScore, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)
	for i, req := range reqs {
		g.Go(func() error {
			score, err := s.PairScore(gctx, caseID, req)
			if err != nil {
				return fmt.Errorf("pair %s/%s: %w", req.A, req.B, err)
			}
			out[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RelationshipScore folds events into identity pairs and returns the
// riskiest relationships first. References are normalized to account keys
// and, once the case has been built, folded into their identities. When
// events is empty the stored events of the case are used, so caseID is
// only required then.
func (s *Service) RelationshipScore(ctx context.Context, caseID string, events []domain.Event, limit int) ([]domain.RelationshipRisk, error) {
	if len(events) == 0 {
		if err := requireCase(caseID); err != nil {
			return nil, err
		}
		stored, err := fetch(ctx, s, "list_events", func(ctx context.Context) ([]*domain.Event, error) {
			return s.repo.ListEvents(ctx, caseID, time.Time{})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		events = values(stored)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events to score", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = s.cfg.RelationshipLimit
	}
	if limit <= 0 {
		limit = relationshipLimit
	}

	idx := s.identityIndex(caseID)
	agg := aggregate.Aggregate(events, aggregate.Options{
		HalfLife: s.cfg.HalfLife,
		KeyFunc:  idx.account,
		Night:    s.cfg.NightWindow(),
		Location: s.cfg.Location(),
	})
	return risk.Rank(aggregate.Rekey(agg.Pairs, idx.identity), limit), nil
}

// values dereferences a slice of pointers, dropping nils.
func values[T any](in []*T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}
