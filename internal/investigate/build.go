package investigate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/harrier/internal/aggregate"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/graph"
)

// Build bookkeeping keys in the cache.
const (
	buildCounterKey = "builds"
	watermarkKey    = "build_watermark"
	watermarkTTL    = 90 * 24 * time.Hour
)

// Sources of derived accounts.
const (
	sourceMessages = "messages"
	sourcePeer     = "peer"
)

// Build derives accounts from the case events, resolves identities and
// pushes accounts, identities, aliases and contacts to the graph.
//
// A full build reads every row and overwrites CONTACTED counts. An
// incremental build reads rows updated since the last watermark and adds
// its counts to the stored ones; without a watermark it runs as a full
// build. The result is published on TopicBuildCompleted.
func (s *Service) Build(ctx context.Context, req domain.BuildRequest) (res *domain.BuildResult, err error) {
	if err := requireCase(req.CaseID); err != nil {
		return nil, err
	}
	caseID := req.CaseID
	start := s.now()

	ctx, span := s.startSpan(ctx, "investigate.Build", caseID,
		attribute.Bool("build.incremental", req.Incremental),
		attribute.String("trace.id", req.TraceID),
	)
	res = &domain.BuildResult{CaseID: caseID}
	defer func() {
		endSpan(span, err)
		res.DurationMs = s.now().Sub(start).Milliseconds()
		if err != nil {
			res.Error = err.Error()
		}
		s.publish(ctx, caseID, domain.TopicBuildCompleted, res)
	}()

	if err := s.allowBuild(ctx, caseID); err != nil {
		return res, err
	}

	var since time.Time
	if req.Incremental {
		since, err = s.watermark(ctx, caseID)
		if err != nil {
			return res, err
		}
	}
	res.Incremental = !since.IsZero()

	events, err := fetch(ctx, s, "list_events", func(ctx context.Context) ([]*domain.Event, error) {
		return s.repo.ListEvents(ctx, caseID, since)
	})
	if err != nil {
		return res, fmt.Errorf("failed to list events: %w", err)
	}

	refs, err := s.deriveAccounts(ctx, caseID, events, &res.Skipped)
	if err != nil {
		return res, err
	}

	raw, err := fetch(ctx, s, "list_accounts", func(ctx context.Context) ([]*domain.RawAccount, error) {
		return s.repo.ListAccounts(ctx, caseID, since)
	})
	if err != nil {
		return res, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]*domain.RawAccount, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, s.normalizer.Account(a))
	}

	resolver := s.registry.For(caseID)
	before := resolver.Snapshot()
	resolved, err := resolver.Resolve(ctx, accounts)
	if err != nil {
		return res, fmt.Errorf("failed to resolve identities: %w", err)
	}
	for reason, n := range resolved.ByReason {
		for range n {
			s.metrics.IncrementMerge(reason)
		}
	}
	res.Accounts = resolved.Accounts
	res.Identities = resolved.Identities
	res.Merges = resolved.Merges
	res.Dropped = resolved.Dropped

	if err := s.retry(ctx, "bootstrap_graph", s.graph.Bootstrap); err != nil {
		return res, fmt.Errorf("failed to bootstrap graph: %w", err)
	}
	if err := s.pushIdentities(ctx, caseID, accounts, before); err != nil {
		return res, err
	}

	pairs, err := s.pushContacts(ctx, caseID, events, refs, res.Incremental)
	if err != nil {
		return res, err
	}
	res.ContactEdges = len(pairs)
	res.IdentityPairs = len(aggregate.Rekey(pairs, s.identityIndex(caseID).identity))

	if err := s.setWatermark(ctx, caseID, start); err != nil {
		s.logger.Warn("failed to store build watermark", "case_id", caseID, "error", err)
	}

	s.metrics.ObserveBuild(res.Incremental, s.now().Sub(start))
	s.logger.Info("case build completed",
		"case_id", caseID,
		"incremental", res.Incremental,
		"accounts", res.Accounts,
		"identities", res.Identities,
		"merges", res.Merges,
		"contact_edges", res.ContactEdges,
		"identity_pairs", res.IdentityPairs,
		"dropped", res.Dropped,
		"skipped", res.Skipped.Skipped,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
	return res, nil
}

// allowBuild enforces BuildsPerMinute per case.
func (s *Service) allowBuild(ctx context.Context, caseID string) error {
	if s.cfg.BuildsPerMinute <= 0 {
		return nil
	}
	n, err := fetch(ctx, s, "build_counter", func(ctx context.Context) (int64, error) {
		return s.cache.IncrementCounter(ctx, caseID, buildCounterKey, time.Minute)
	})
	if err != nil {
		return fmt.Errorf("failed to count builds: %w", err)
	}
	if n > s.cfg.BuildsPerMinute {
		return fmt.Errorf("%w: %d builds per minute for case %s", domain.ErrRateLimited, s.cfg.BuildsPerMinute, caseID)
	}
	return nil
}

func (s *Service) watermark(ctx context.Context, caseID string) (time.Time, error) {
	b, err := fetch(ctx, s, "get_watermark", func(ctx context.Context) ([]byte, error) {
		return s.cache.Get(ctx, caseID, watermarkKey)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read build watermark: %w", err)
	}
	if b == nil {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		s.logger.Warn("ignoring unreadable build watermark", "case_id", caseID, "error", err)
		return time.Time{}, nil
	}
	return t, nil
}

func (s *Service) setWatermark(ctx context.Context, caseID string, t time.Time) error {
	v := []byte(t.UTC().Format(time.RFC3339Nano))
	return s.retry(ctx, "set_watermark", func(ctx context.Context) error {
		return s.cache.Set(ctx, caseID, watermarkKey, v, watermarkTTL)
	})
}

// refKey addresses a raw actor or peer reference on a platform.
type refKey struct {
	platform string
	ref      string
}

// deriveAccounts saves an account for the author and the peer of every
// event and returns the account key of each reference. A reference that is
// not a valid handle becomes a named account keyed by "name:<ref>".
func (s *Service) deriveAccounts(ctx context.Context, caseID string, events []*domain.Event, summary *domain.BatchSummary) (map[refKey]domain.AccountKey, error) {
	refs := make(map[refKey]domain.AccountKey)
	skipped := 0

	save := func(i int, platform, ref, text, src string) error {
		k := refKey{platform: platform, ref: ref}
		if _, ok := refs[k]; ok && text == "" {
			return nil
		}

		acc := &domain.RawAccount{
			CaseID:   caseID,
			Platform: platform,
			Extra:    map[string]any{"src": src},
		}
		if h, ok := s.normalizer.Handle(ref); ok {
			acc.Handle = h
		} else {
			acc.Name = ref
			acc.ExternalID = namedPrefix + ref
		}
		if text != "" {
			ex := s.normalizer.FreeText(text)
			acc.Email, acc.Phone = ex.Email, ex.Phone
		}

		id, err := fetch(ctx, s, "save_account", func(ctx context.Context) (string, error) {
			return s.repo.SaveAccount(ctx, caseID, acc)
		})
		if err != nil {
			if isFatal(err) {
				return err
			}
			summary.Skip(&domain.RowError{Kind: "account", Index: i, Err: err})
			skipped++
			return nil
		}
		acc.ID = id
		refs[k] = acc.Key()
		summary.Accept("account")
		return nil
	}

	for i, ev := range events {
		if ev == nil || ev.Platform == "" || ev.ActorKey == "" {
			summary.Skip(&domain.RowError{Kind: "event", Index: i, Err: fmt.Errorf("%w: platform and actor are required", domain.ErrValidation)})
			skipped++
			continue
		}
		platform := platformOf(ev.Platform)
		if err := save(i, platform, ev.ActorKey, ev.Text, sourceMessages); err != nil {
			return nil, fmt.Errorf("failed to save derived account: %w", err)
		}
		if ev.PeerKey != "" {
			if err := save(i, platform, ev.PeerKey, "", sourcePeer); err != nil {
				return nil, fmt.Errorf("failed to save derived account: %w", err)
			}
		}
	}
	s.metrics.AddSkipped("account", skipped)
	return refs, nil
}

// pushIdentities writes the loaded accounts, every identity with its
// members and every alias edge. Identities absorbed since before are
// marked with merged_into.
func (s *Service) pushIdentities(ctx context.Context, caseID string, loaded []*domain.RawAccount, before *domain.Partition) error {
	resolver := s.registry.For(caseID)
	part := resolver.Snapshot()

	touched := make(map[domain.AccountKey]bool, len(loaded))
	for _, a := range loaded {
		touched[a.Key()] = true
	}
	for _, acc := range resolver.Accounts() {
		if !touched[acc.Key()] {
			continue
		}
		key := accountKey(caseID, acc.Key())
		attrs := nonEmpty(map[string]any{
			"id":          acc.ID,
			"name":        acc.Name,
			"email":       acc.Email,
			"phone":       acc.Phone,
			"external_id": acc.ExternalID,
		})
		if err := s.upsertNode(ctx, domain.LabelAccount, key, attrs); err != nil {
			return err
		}
	}

	current := make(map[string]bool, len(part.Identities))
	for _, id := range part.Identities {
		current[id.ID] = true
		attrs := nonEmpty(map[string]any{
			"name":  id.Name,
			"email": id.Email,
			"phone": id.Phone,
		})
		attrs["size"] = len(id.Members)
		if err := s.upsertNode(ctx, domain.LabelIdentity, idKey(caseID, id.ID), attrs); err != nil {
			return err
		}
		for _, m := range id.Members {
			if err := s.upsertEdge(ctx, domain.EdgeUpsert{
				Type: domain.RelMemberOf,
				From: domain.NodeRef{Label: domain.LabelAccount, Key: accountKey(caseID, m)},
				To:   domain.NodeRef{Label: domain.LabelIdentity, Key: idKey(caseID, id.ID)},
			}); err != nil {
				return err
			}
		}
	}

	for _, old := range before.Identities {
		if current[old.ID] || len(old.Members) == 0 {
			continue
		}
		into, ok := resolver.IdentityOf(old.Members[0])
		if !ok {
			continue
		}
		if err := s.upsertNode(ctx, domain.LabelIdentity, idKey(caseID, old.ID), map[string]any{"merged_into": into}); err != nil {
			return err
		}
	}

	for _, e := range part.Edges {
		attrs := map[string]any{
			"weight":  e.Weight,
			"reason":  e.Reason,
			"reasons": e.Reasons,
		}
		for k, v := range e.Evidence {
			attrs[evidenceProperty(k)] = v
		}
		if err := s.upsertEdge(ctx, domain.EdgeUpsert{
			Type:  domain.RelAliasOf,
			From:  domain.NodeRef{Label: domain.LabelAccount, Key: accountKey(caseID, e.From)},
			To:    domain.NodeRef{Label: domain.LabelAccount, Key: accountKey(caseID, e.To)},
			Attrs: attrs,
		}); err != nil {
			return err
		}
	}
	return nil
}

// pushContacts folds the events into account pairs and writes one
// CONTACTED edge per pair. It returns the pairs written.
func (s *Service) pushContacts(ctx context.Context, caseID string, events []*domain.Event, refs map[refKey]domain.AccountKey, accumulate bool) ([]domain.PairAggregate, error) {
	agg := aggregate.Aggregate(values(events), aggregate.Options{
		HalfLife: s.cfg.HalfLife,
		KeyFunc: func(platform, ref string) (string, bool) {
			k, ok := refs[refKey{platform: platformOf(platform), ref: ref}]
			return k.String(), ok
		},
		Night:    s.cfg.NightWindow(),
		Location: s.cfg.Location(),
	})

	for _, p := range agg.Pairs {
		a, okA := domain.ParseAccountKey(p.IdentityA)
		b, okB := domain.ParseAccountKey(p.IdentityB)
		if !okA || !okB {
			continue
		}
		edge := domain.EdgeUpsert{
			Type: domain.RelContacted,
			From: domain.NodeRef{Label: domain.LabelAccount, Key: accountKey(caseID, a)},
			To:   domain.NodeRef{Label: domain.LabelAccount, Key: accountKey(caseID, b)},
			Attrs: map[string]any{
				"count":   p.Total,
				"private": p.Private,
				"night":   p.Night,
				"meet":    p.Meet,
				"w":       p.DecayedWeight,
			},
		}
		if p.LastTS != nil {
			edge.Attrs["last_ts"] = graph.FormatTime(*p.LastTS)
		}
		if accumulate {
			edge.Accumulate = []string{"count", "private", "night", "meet"}
		} else if p.FirstTS != nil {
			edge.Attrs["first_ts"] = graph.FormatTime(*p.FirstTS)
		}
		if err := s.upsertEdge(ctx, edge); err != nil {
			return nil, err
		}
	}
	return agg.Pairs, nil
}

// Identities returns the resolved partition of a case.
func (s *Service) Identities(caseID string) (*domain.Partition, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	r, ok := s.registry.Lookup(caseID)
	if !ok {
		return nil, fmt.Errorf("%w: case %s has not been built", domain.ErrNotFound, caseID)
	}
	return r.Snapshot(), nil
}

func (s *Service) upsertNode(ctx context.Context, label string, key, attrs map[string]any) error {
	err := s.retry(ctx, "graph_upsert_node", func(ctx context.Context) error {
		return s.graph.UpsertNode(ctx, label, key, attrs)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s node: %w", label, err)
	}
	return nil
}

func (s *Service) upsertEdge(ctx context.Context, edge domain.EdgeUpsert) error {
	err := s.retry(ctx, "graph_upsert_edge", func(ctx context.Context) error {
		return s.graph.UpsertEdge(ctx, edge)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s edge: %w", edge.Type, err)
	}
	return nil
}

func accountKey(caseID string, k domain.AccountKey) map[string]any {
	return map[string]any{"case_id": caseID, "platform": k.Platform, "handle": k.Handle}
}

func idKey(caseID, id string) map[string]any {
	return map[string]any{"case_id": caseID, "id": id}
}

// evidenceProperty maps resolver evidence names to graph property names.
func evidenceProperty(k string) string {
	if k == "nameSim" {
		return "name_sim"
	}
	return k
}

func nonEmpty(m map[string]any) map[string]any {
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
	return m
}

// platformOf matches the platform normalization of accounts.
func platformOf(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// isFatal reports errors that abort a batch instead of skipping a row.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrConnectivity) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
