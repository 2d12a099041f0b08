// Package investigate orchestrates case builds and analyses over the
// relational store, the property graph, the cache and the event bus.
package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/alerting"
	"github.com/opensource-finance/harrier/internal/baseline"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/custody"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/graph"
	"github.com/opensource-finance/harrier/internal/hypothesis"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/normalize"
	"github.com/opensource-finance/harrier/internal/resolve"
	"github.com/opensource-finance/harrier/internal/rules"
)

// Retry policy for collaborator calls that fail with ErrConnectivity.
const (
	maxRetries       = 3
	retryMaxInterval = 2 * time.Second
)

var tracer = otel.Tracer("harrier-investigate")

// Deps are the collaborators of a Service. Repo is required; a nil Graph
// or Cache falls back to the in-process implementation and a nil Bus
// disables publishing.
type Deps struct {
	Repo    domain.Repository
	Graph   domain.GraphStore
	Cache   domain.Cache
	Bus     domain.EventBus
	Engine  *rules.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service runs case operations.
type Service struct {
	cfg domain.AnalysisConfig

	repo    domain.Repository
	graph   domain.GraphStore
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger

	normalizer *normalize.Normalizer
	registry   *resolve.Registry
	analyzer   *hypothesis.Analyzer
	baselines  *baseline.Service
	keeper     *custody.Keeper
	alerts     *alerting.Processor

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// New wires a Service.
func New(cfg domain.AnalysisConfig, deps Deps) (*Service, error) {
	if deps.Repo == nil {
		return nil, fmt.Errorf("%w: repository is required", domain.ErrValidation)
	}
	cfg = cfg.WithDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := deps.Graph
	if g == nil {
		g = graph.NewMemoryStore()
	}
	c := deps.Cache
	if c == nil {
		c = cache.NewLRUCache(10000)
	}

	keeper := custody.NewKeeper(custodyStore{repo: deps.Repo}, logger)

	s := &Service{
		cfg:        cfg,
		repo:       deps.Repo,
		graph:      g,
		cache:      c,
		bus:        deps.Bus,
		engine:     deps.Engine,
		metrics:    deps.Metrics,
		logger:     logger,
		normalizer: normalize.New(cfg.DefaultRegion),
		registry: resolve.NewRegistry(
			resolve.WithNameThreshold(cfg.NameSimilarity),
			resolve.WithLogger(logger),
		),
		analyzer:  hypothesis.NewAnalyzer(deps.Engine, cfg),
		baselines: baseline.NewService(deps.Repo, c),
		keeper:    keeper,
		alerts:    alerting.NewProcessor(cfg.AlertThreshold, keeper, deps.Bus),
		now:       time.Now,
	}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = retryMaxInterval
		return b
	}

	logger.Info("investigation service initialized",
		"region", cfg.DefaultRegion,
		"timezone", cfg.Timezone,
		"alert_threshold", cfg.AlertThreshold,
		"max_workers", cfg.MaxWorkers,
	)
	return s, nil
}

// Config returns the effective analysis configuration.
func (s *Service) Config() domain.AnalysisConfig {
	return s.cfg
}

// Engine returns the rule engine, which may be nil.
func (s *Service) Engine() *rules.Engine {
	return s.engine
}

// retry runs fn under the store timeout and retries connectivity failures
// with bounded exponential backoff. Every other error is returned at once.
func (s *Service) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), maxRetries), ctx)

	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()

		err := fn(cctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s timed out: %w", domain.ErrConnectivity, op, err)
		}
		if !errors.Is(err, domain.ErrConnectivity) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		s.metrics.IncrementRetry(op)
		s.logger.Warn("collaborator call failed, retrying",
			"op", op,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	})
}

// fetch is retry for calls that return a value.
func fetch[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.retry(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// publish is best effort.
func (s *Service) publish(ctx context.Context, caseID, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode message", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, caseID, topic, payload); err != nil {
		s.logger.Warn("failed to publish",
			"case_id", caseID,
			"topic", topic,
			"error", err,
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name, caseID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("case.id", caseID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireCase(caseID string) error {
	if caseID == "" {
		return fmt.Errorf("%w: caseID is required", domain.ErrValidation)
	}
	return nil
}

// custodyStore adapts the case-scoped repository to custody.Store.
type custodyStore struct {
	repo domain.Repository
}

func (c custodyStore) SaveCustodyRecord(ctx context.Context, rec *domain.EvidenceCustodyRecord) error {
	return c.repo.SaveCustodyRecord(ctx, rec.CaseID, rec)
}

func (c custodyStore) GetCustodyRecord(ctx context.Context, caseID, artifactID string) (*domain.EvidenceCustodyRecord, error) {
	return c.repo.GetCustodyRecord(ctx, caseID, artifactID)
}

func (c custodyStore) AppendCustodyEntry(ctx context.Context, caseID, artifactID string, entry domain.CustodyEntry) error {
	return c.repo.AppendCustodyEntry(ctx, caseID, artifactID, entry)
}

// ComponentStatus is the health of one collaborator.
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health pings every collaborator. The overall status is "degraded" when
// any of them fails.
func (s *Service) Health(ctx context.Context) (string, map[string]ComponentStatus) {
	checks := map[string]func(context.Context) error{
		"repository": s.repo.Ping,
		"graph":      s.graph.Ping,
		"cache":      s.cache.Ping,
	}
	if s.bus != nil {
		checks["bus"] = s.bus.Ping
	}

	status := "healthy"
	out := make(map[string]ComponentStatus, len(checks))
	for name, ping := range checks {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		err := ping(cctx)
		cancel()
		if err != nil {
			status = "degraded"
			out[name] = ComponentStatus{Status: "down", Error: err.Error()}
			continue
		}
		out[name] = ComponentStatus{Status: "up"}
	}
	return status, out
}

// Bootstrap creates the graph constraints and indexes. The relational
// schema is migrated when the repository opens, so it is only pinged here.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.retry(ctx, "ping_repository", s.repo.Ping); err != nil {
		return err
	}
	if err := s.retry(ctx, "bootstrap_graph", s.graph.Bootstrap); err != nil {
		return err
	}
	s.logger.Info("graph bootstrapped")
	return nil
}

// VerifyCustody re-hashes a stored custody record.
func (s *Service) VerifyCustody(ctx context.Context, caseID, artifactID string) (domain.CustodyVerification, error) {
	if err := requireCase(caseID); err != nil {
		return domain.CustodyVerification{}, err
	}
	if artifactID == "" {
		return domain.CustodyVerification{}, fmt.Errorf("%w: artifactID is required", domain.ErrValidation)
	}
	var v domain.CustodyVerification
	err := s.retry(ctx, "verify_custody", func(ctx context.Context) error {
		var err error
		v, err = s.keeper.Check(ctx, caseID, artifactID)
		return err
	})
	return v, err
}

// TransferCustody records a hand-off of an artifact.
func (s *Service) TransferCustody(ctx context.Context, caseID, artifactID, action, custodian string) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	return s.retry(ctx, "transfer_custody", func(ctx context.Context) error {
		return s.keeper.Transfer(ctx, caseID, artifactID, action, custodian)
	})
}
