// Package worker runs case builds requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Builder runs one case build.
type Builder interface {
	Build(ctx context.Context, req domain.BuildRequest) (*domain.BuildResult, error)
}

// Worker consumes TopicBuildRequested. Concurrent requests for the same
// case and mode share one build.
type Worker struct {
	bus     domain.EventBus
	builder Builder
	logger  *slog.Logger

	group singleflight.Group

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// CaseIDs are subscribed in addition to the shared dispatch scope.
	CaseIDs []string
}

// NewWorker creates a worker. logger may be nil.
func NewWorker(bus domain.EventBus, builder Builder, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		builder: builder,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the dispatch scope and to every configured case.
func (w *Worker) Start(cfg Config) error {
	scopes := append([]string{domain.DispatchCaseID}, cfg.CaseIDs...)
	for _, caseID := range scopes {
		sub, err := w.bus.Subscribe(w.ctx, caseID, domain.TopicBuildRequested, w.handleMessage)
		if err != nil {
			if caseID == domain.DispatchCaseID {
				return fmt.Errorf("failed to subscribe to build requests: %w", err)
			}
			w.logger.Error("failed to start worker for case",
				"case_id", caseID,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	w.logger.Info("workers started",
		"case_count", len(cfg.CaseIDs),
		"topic", domain.TopicBuildRequested,
	)
	return nil
}

// handleMessage decodes a build request. A request without a case id
// inherits the case scope of the message.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.BuildRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse build request",
			"message_id", msg.ID,
			"error", err,
		)
		return fmt.Errorf("%w: malformed build request: %w", domain.ErrValidation, err)
	}
	if req.CaseID == "" && msg.CaseID != domain.DispatchCaseID {
		req.CaseID = msg.CaseID
	}
	if req.CaseID == "" {
		return fmt.Errorf("%w: build request without caseId", domain.ErrValidation)
	}
	if req.TraceID == "" {
		req.TraceID = msg.ID
	}

	w.wg.Add(1)
	defer w.wg.Done()
	_, err := w.process(ctx, req)
	return err
}

func (w *Worker) process(ctx context.Context, req domain.BuildRequest) (*domain.BuildResult, error) {
	key := fmt.Sprintf("%s/%t", req.CaseID, req.Incremental)
	v, err, shared := w.group.Do(key, func() (any, error) {
		return w.builder.Build(ctx, req)
	})
	if err != nil {
		w.logger.Error("case build failed",
			"case_id", req.CaseID,
			"trace_id", req.TraceID,
			"error", err,
		)
		return nil, err
	}
	res := v.(*domain.BuildResult)
	w.logger.Debug("case build finished",
		"case_id", req.CaseID,
		"trace_id", req.TraceID,
		"shared", shared,
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

// Stop unsubscribes and waits for builds in flight.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
