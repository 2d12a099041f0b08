package investigate

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/graph"
	"github.com/opensource-finance/harrier/internal/spatial"
)

const topStays = 5

// MobilityRequest selects the pings to segment. Explicit Points win over a
// stored lookup of PersonID.
type MobilityRequest struct {
	PersonID string        `json:"personId,omitempty"`
	Points   []domain.Ping `json:"points,omitempty"`
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
}

// Mobility is the movement summary of one person.
type Mobility struct {
	Person string                `json:"person,omitempty"`
	Stays  []domain.StayInterval `json:"stays"`
	Top    []domain.StayInterval `json:"topStays"`
	Trips  []domain.Trip         `json:"trips"`
}

// MobilityTimeline segments pings into stays and trips.
func (s *Service) MobilityTimeline(ctx context.Context, caseID string, req MobilityRequest) (*Mobility, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	pings := req.Points
	if len(pings) == 0 {
		if req.PersonID == "" {
			return nil, fmt.Errorf("%w: points or personId are required", domain.ErrValidation)
		}
		if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
			return nil, fmt.Errorf("%w: window ends before it starts", domain.ErrValidation)
		}
		stored, err := fetch(ctx, s, "list_pings", func(ctx context.Context) ([]*domain.Ping, error) {
			return s.repo.ListPings(ctx, caseID, req.PersonID, req.From, req.To)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list pings: %w", err)
		}
		pings = values(stored)
	}

	key := req.PersonID
	if key == "" && len(pings) > 0 {
		key = pings[0].PersonID
	}
	stays, err := spatial.SegmentStays(ctx, key, pings, spatial.StayOptions{
		RadiusM: s.cfg.StayRadiusM,
		MinStay: s.cfg.MinStay,
	})
	if err != nil {
		return nil, err
	}
	return &Mobility{
		Person: key,
		Stays:  stays,
		Top:    spatial.TopStays(stays, topStays),
		Trips:  spatial.Trips(stays),
	}, nil
}

// SafeHouses returns the night cells a person occupies repeatedly over the
// last days days.
func (s *Service) SafeHouses(ctx context.Context, caseID, personID string, days int) ([]domain.SafeHouse, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	if personID == "" {
		return nil, fmt.Errorf("%w: personId is required", domain.ErrValidation)
	}
	if days <= 0 {
		days = DefaultPairDays
	}
	to := s.now().UTC()
	from := to.AddDate(0, 0, -days)

	pings, err := fetch(ctx, s, "list_pings", func(ctx context.Context) ([]*domain.Ping, error) {
		return s.repo.ListPings(ctx, caseID, personID, from, to)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pings: %w", err)
	}
	return spatial.SafeHouses(values(pings), spatial.SafeHouseOptions{
		MinHits:  s.cfg.SafeHouseMinHits,
		Limit:    s.cfg.SafeHouseLimit,
		Night:    s.cfg.NightWindow(),
		Location: s.cfg.Location(),
	}), nil
}

// LinkCandidates returns people sharing places or calls with seed.
func (s *Service) LinkCandidates(ctx context.Context, caseID, seed string, k int) (*domain.LinkCandidates, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = graph.DefaultCandidates
	}
	return fetch(ctx, s, "link_candidates", func(ctx context.Context) (*domain.LinkCandidates, error) {
		return s.graph.LinkCandidates(ctx, caseID, seed, k)
	})
}

// SuspiciousPaths returns the shortest paths from high-risk files to
// critical failures.
func (s *Service) SuspiciousPaths(ctx context.Context, caseID string, limit int) ([]domain.SuspiciousPath, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = graph.DefaultPaths
	}
	return fetch(ctx, s, "suspicious_paths", func(ctx context.Context) ([]domain.SuspiciousPath, error) {
		return s.graph.SuspiciousPaths(ctx, caseID, limit)
	})
}
