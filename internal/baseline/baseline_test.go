package baseline

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
)

func activity(id string, ts time.Time, process string) *domain.ActivityEvent {
	return &domain.ActivityEvent{ID: id, UserID: "user-001", Timestamp: &ts, Operation: "READ", ProcessName: process}
}

func TestBaselineService(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "baseline-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache)

	ctx := context.Background()
	caseID := "case-001"
	day := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	t.Run("MissingIsNotFound", func(t *testing.T) {
		_, err := svc.Load(ctx, caseID, "user-001")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ObserveStartsFromZero", func(t *testing.T) {
		events := []*domain.ActivityEvent{
			activity("a1", day, "excel.exe"),
			activity("a2", day.Add(time.Hour), "excel.exe"),
			activity("a3", day.Add(13*time.Hour), "cmd.exe"), // 23:00
			activity("a4", day.Add(24*time.Hour), "excel.exe"),
			{ID: "a5", Operation: "READ"}, // untimed
		}

		b, err := svc.Observe(ctx, caseID, "user-001", events)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if b.Days != 2 || b.Observations != 4 {
			t.Errorf("expected 2 days and 4 observations, got %d and %d", b.Days, b.Observations)
		}
		if b.AvgDailyOps != 2 {
			t.Errorf("expected 2 ops/day, got %v", b.AvgDailyOps)
		}
		if b.AvgOffHoursRatio != 0.25 {
			t.Errorf("expected off-hours ratio 0.25, got %v", b.AvgOffHoursRatio)
		}
		if len(b.UsualProcesses) != 2 || b.UsualProcesses[0] != "excel.exe" {
			t.Errorf("unexpected usual processes: %v", b.UsualProcesses)
		}

		stored, err := svc.Load(ctx, caseID, "user-001")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if stored.Observations != 4 {
			t.Errorf("expected stored baseline, got %+v", stored)
		}
	})

	t.Run("ObserveFoldsRunningProfile", func(t *testing.T) {
		events := []*domain.ActivityEvent{
			activity("b1", day.Add(48*time.Hour), "excel.exe"),
			activity("b2", day.Add(49*time.Hour), "excel.exe"),
			activity("b3", day.Add(50*time.Hour), "excel.exe"),
			activity("b4", day.Add(51*time.Hour), "excel.exe"),
		}
		b, err := svc.Observe(ctx, caseID, "user-001", events)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		// (2*2 + 4) / 3 days
		if b.Days != 3 || b.AvgDailyOps < 2.66 || b.AvgDailyOps > 2.67 {
			t.Errorf("unexpected fold: days=%d avg=%v", b.Days, b.AvgDailyOps)
		}
		if b.AvgOffHoursRatio != 0.125 {
			t.Errorf("expected off-hours ratio 0.125, got %v", b.AvgOffHoursRatio)
		}
	})

	t.Run("RebuildFromActivity", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			ev := activity("r"+string(rune('0'+i)), day.Add(time.Duration(i)*time.Hour), "outlook.exe")
			ev.UserID = "user-002"
			if err := repo.SaveActivity(ctx, caseID, ev); err != nil {
				t.Fatalf("failed to save activity: %v", err)
			}
		}

		b, err := svc.Rebuild(ctx, caseID, "user-002", time.Time{})
		if err != nil {
			t.Fatalf("Rebuild failed: %v", err)
		}
		if b.Observations != 5 || b.Days != 1 || b.AvgDailyOps != 5 {
			t.Errorf("unexpected rebuilt baseline: %+v", b)
		}
	})

	t.Run("CaseIsolation", func(t *testing.T) {
		_, err := svc.Load(ctx, "other-case", "user-001")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for different case, got %v", err)
		}
	})

	t.Run("RequiresCaseID", func(t *testing.T) {
		_, err := svc.Load(ctx, "", "user-001")
		if !errors.Is(err, domain.ErrValidation) {
			t.Error("expected validation error for empty caseID")
		}
	})
}

func TestNoDataSource(t *testing.T) {
	svc := &Service{} // No repo or cache

	ctx := context.Background()
	if _, err := svc.Rebuild(ctx, "case", "user", time.Time{}); err == nil {
		t.Error("expected error with no data source")
	}
	if _, err := svc.Load(ctx, "case", "user"); !errors.Is(err, domain.ErrConnectivity) {
		t.Errorf("expected connectivity error without cache, got %v", err)
	}
}
