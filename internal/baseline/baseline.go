// Package baseline maintains the behavioral norm of each identity.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultTTL is how long a baseline is kept in the cache.
const DefaultTTL = 30 * 24 * time.Hour

// maxUsualProcesses bounds the usual process list.
const maxUsualProcesses = 10

// usualShare is the share of events a process needs to become usual.
const usualShare = 0.10

// Service stores baselines in the cache and rebuilds them from activity.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
	night domain.NightWindow
}

// NewService creates a new baseline service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   DefaultTTL,
		night: domain.NightWindow{StartHour: 22, EndHour: 6},
	}
}

// Load returns the stored baseline of an identity, or ErrNotFound.
func (s *Service) Load(ctx context.Context, caseID, identityKey string) (*domain.Baseline, error) {
	if caseID == "" || identityKey == "" {
		return nil, fmt.Errorf("%w: caseID and identityKey are required", domain.ErrValidation)
	}
	if s.cache == nil {
		return nil, fmt.Errorf("%w: no baseline cache", domain.ErrConnectivity)
	}

	b, err := s.cache.GetBaseline(ctx, caseID, identityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: baseline %s", domain.ErrNotFound, identityKey)
	}
	return b, nil
}

// Save stores b.
func (s *Service) Save(ctx context.Context, caseID string, b *domain.Baseline) error {
	if caseID == "" || b == nil || b.IdentityKey == "" {
		return fmt.Errorf("%w: caseID and identityKey are required", domain.ErrValidation)
	}
	if s.cache == nil {
		return fmt.Errorf("%w: no baseline cache", domain.ErrConnectivity)
	}
	if err := s.cache.SetBaseline(ctx, caseID, b, s.ttl); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

// Observe folds events into the running baseline of an identity and saves
// it. Without a stored baseline the fold starts from zero, not from the
// default.
func (s *Service) Observe(ctx context.Context, caseID, identityKey string, events []*domain.ActivityEvent) (*domain.Baseline, error) {
	prev, err := s.Load(ctx, caseID, identityKey)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		prev = &domain.Baseline{IdentityKey: identityKey}
	default:
		return nil, err
	}

	next := Fold(prev, events, s.night)
	next.UpdatedAt = time.Now().UTC()
	if err := s.Save(ctx, caseID, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Rebuild recomputes a baseline from the stored activity of userID since
// the given time.
func (s *Service) Rebuild(ctx context.Context, caseID, userID string, since time.Time) (*domain.Baseline, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}
	events, err := s.repo.ListActivity(ctx, caseID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}

	b := Fold(&domain.Baseline{IdentityKey: userID}, events, s.night)
	b.UpdatedAt = time.Now().UTC()
	if err := s.Save(ctx, caseID, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Fold merges timed events into prev. Daily ops and the off-hours ratio
// are averaged over days and observations; a process joins the usual list
// once it carries a tenth of the new events.
func Fold(prev *domain.Baseline, events []*domain.ActivityEvent, night domain.NightWindow) *domain.Baseline {
	next := *prev
	next.UsualProcesses = append([]string(nil), prev.UsualProcesses...)

	days := make(map[string]struct{})
	procs := make(map[string]int)
	timed, off := 0, 0
	for _, ev := range events {
		if ev == nil || ev.Timestamp == nil {
			continue
		}
		timed++
		ts := ev.Timestamp.UTC()
		days[ts.Format(time.DateOnly)] = struct{}{}
		if night.Contains(ts.Hour()) {
			off++
		}
		if p := strings.ToLower(strings.TrimSpace(ev.ProcessName)); p != "" {
			procs[p]++
		}
	}
	if timed == 0 {
		return &next
	}

	totalDays := prev.Days + len(days)
	next.AvgDailyOps = (prev.AvgDailyOps*float64(prev.Days) + float64(timed)) / float64(totalDays)

	totalObs := prev.Observations + timed
	next.AvgOffHoursRatio = (prev.AvgOffHoursRatio*float64(prev.Observations) + float64(off)) / float64(totalObs)

	next.Days = totalDays
	next.Observations = totalObs

	names := make([]string, 0, len(procs))
	for p, n := range procs {
		if float64(n)/float64(timed) >= usualShare {
			names = append(names, p)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if procs[names[i]] != procs[names[j]] {
			return procs[names[i]] > procs[names[j]]
		}
		return names[i] < names[j]
	})
	for _, p := range names {
		if len(next.UsualProcesses) >= maxUsualProcesses {
			break
		}
		if !containsFold(next.UsualProcesses, p) {
			next.UsualProcesses = append(next.UsualProcesses, p)
		}
	}
	return &next
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
