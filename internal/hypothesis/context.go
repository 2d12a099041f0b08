// Package hypothesis derives explainable findings about a case from
// endpoint activity and forensic records.
package hypothesis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultBaselineTimeout bounds a baseline lookup.
const DefaultBaselineTimeout = 2 * time.Second

// BaselineStore loads and saves identity baselines.
type BaselineStore interface {
	Load(ctx context.Context, caseID, identityKey string) (*domain.Baseline, error)
	Save(ctx context.Context, caseID string, b *domain.Baseline) error
}

// CaseContext carries the per-case state of a hypothesis pass. Baselines
// are looked up once and kept for the lifetime of the context.
type CaseContext struct {
	CaseID      string
	Sensitivity domain.Sensitivity

	store   BaselineStore
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	baselines map[string]*domain.Baseline
	defaulted map[string]bool
}

// NewCaseContext creates a context for caseID. store may be nil, in which
// case every identity uses the default baseline.
func NewCaseContext(caseID string, sensitivity domain.Sensitivity, store BaselineStore) *CaseContext {
	if !sensitivity.Valid() {
		sensitivity = domain.SensitivityLow
	}
	return &CaseContext{
		CaseID:      caseID,
		Sensitivity: sensitivity,
		store:       store,
		timeout:     DefaultBaselineTimeout,
		logger:      slog.Default(),
		baselines:   make(map[string]*domain.Baseline),
		defaulted:   make(map[string]bool),
	}
}

// WithTimeout overrides the baseline lookup timeout.
func (c *CaseContext) WithTimeout(d time.Duration) *CaseContext {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Baseline returns the baseline of key. A missing baseline is created from
// the default and saved; a failing or slow store degrades to the default
// without an error.
func (c *CaseContext) Baseline(ctx context.Context, key string) *domain.Baseline {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.baselines[key]; ok {
		return b
	}
	b, defaulted := c.load(ctx, key)
	c.baselines[key] = b
	c.defaulted[key] = defaulted
	return b
}

// Defaulted reports whether key is running on the default baseline.
func (c *CaseContext) Defaulted(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaulted[key]
}

func (c *CaseContext) load(ctx context.Context, key string) (*domain.Baseline, bool) {
	if c.store == nil || key == "" {
		return domain.DefaultBaseline(key), true
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := c.store.Load(ctx, c.CaseID, key)
	switch {
	case err == nil && b != nil:
		return b, false
	case err == nil, errors.Is(err, domain.ErrNotFound):
		def := domain.DefaultBaseline(key)
		if err := c.store.Save(ctx, c.CaseID, def); err != nil {
			c.logger.Warn("failed to save default baseline",
				"case_id", c.CaseID,
				"identity", key,
				"error", err,
			)
		}
		return def, true
	default:
		c.logger.Warn("baseline unavailable, using default",
			"case_id", c.CaseID,
			"identity", key,
			"error", err,
		)
		return domain.DefaultBaseline(key), true
	}
}
