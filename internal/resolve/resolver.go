// Package resolve merges noisy account references into canonical identities.
package resolve

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Rule weights
const (
	WeightPhone      = 1.0
	WeightEmail      = 0.95
	WeightHandleName = 0.8

	DefaultNameThreshold = 90.0
)

// Resolver holds the identity partition of one case. It has a single
// writer: Resolve takes the write lock, readers take a Snapshot.
type Resolver struct {
	mu            sync.RWMutex
	caseID        string
	nameThreshold float64
	similarity    func(a, b string) float64
	logger        *slog.Logger

	state      *state
	resolvedAt time.Time
}

type state struct {
	accounts map[domain.AccountKey]*domain.RawAccount
	uf       *unionFind
	edges    map[edgeKey]*domain.AliasEdge
}

type edgeKey struct {
	from, to domain.AccountKey
}

func newState() *state {
	return &state{
		accounts: make(map[domain.AccountKey]*domain.RawAccount),
		uf:       newUnionFind(),
		edges:    make(map[edgeKey]*domain.AliasEdge),
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts: make(map[domain.AccountKey]*domain.RawAccount, len(s.accounts)),
		uf:       s.uf.clone(),
		edges:    make(map[edgeKey]*domain.AliasEdge, len(s.edges)),
	}
	for k, v := range s.accounts {
		acc := *v
		c.accounts[k] = &acc
	}
	for k, v := range s.edges {
		c.edges[k] = cloneEdge(v)
	}
	return c
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithNameThreshold sets the minimum name similarity of the handle rule.
func WithNameThreshold(t float64) Option {
	return func(r *Resolver) {
		if t > 0 {
			r.nameThreshold = t
		}
	}
}

// WithSimilarity replaces the name similarity function.
func WithSimilarity(fn func(a, b string) float64) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.similarity = fn
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates an empty resolver for caseID.
func NewResolver(caseID string, opts ...Option) *Resolver {
	r := &Resolver{
		caseID:        caseID,
		nameThreshold: DefaultNameThreshold,
		similarity:    NameSimilarity,
		logger:        slog.Default(),
		state:         newState(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result summarizes one Resolve pass.
type Result struct {
	Accounts   int            `json:"accounts"`
	Identities int            `json:"identities"`
	Merges     int            `json:"merges"`
	NewEdges   int            `json:"newEdges"`
	Dropped    int            `json:"dropped"`
	ByReason   map[string]int `json:"byReason"`
}

// Resolve folds accounts into the partition and applies the phone, email
// and handle+name rules in that order. The pass runs on a staged copy and
// is committed only when it completes; a cancelled context leaves the
// previous partition untouched. Re-running with the same accounts changes
// nothing.
func (r *Resolver) Resolve(ctx context.Context, accounts []*domain.RawAccount) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stage := r.state.clone()
	res := &Result{ByReason: make(map[string]int)}

	for _, acc := range accounts {
		if acc == nil {
			continue
		}
		if acc.Platform == "" {
			res.Dropped++
			r.logger.Debug("account without platform dropped",
				"case_id", r.caseID,
				"id", acc.ID,
				"handle", acc.Handle,
			)
			continue
		}
		key := acc.Key()
		if existing, ok := stage.accounts[key]; ok {
			existing.MergeFrom(acc)
		} else {
			cp := *acc
			stage.accounts[key] = &cp
		}
		stage.uf.add(key)
	}

	passes := []func(context.Context, *state, *Result) error{
		r.linkByPhone,
		r.linkByEmail,
		r.linkByHandleName,
	}
	for _, pass := range passes {
		if err := pass(ctx, stage, res); err != nil {
			r.logger.Warn("resolve pass aborted",
				"case_id", r.caseID,
				"error", err,
			)
			return nil, err
		}
	}

	r.state = stage
	r.resolvedAt = time.Now().UTC()

	res.Accounts = len(stage.accounts)
	res.Identities = len(stage.uf.size)

	r.logger.Debug("resolve pass committed",
		"case_id", r.caseID,
		"accounts", res.Accounts,
		"identities", res.Identities,
		"merges", res.Merges,
		"dropped", res.Dropped,
	)
	return res, nil
}

func (r *Resolver) linkByPhone(ctx context.Context, s *state, res *Result) error {
	groups := groupBy(s, func(a *domain.RawAccount) string { return a.Phone })
	return r.linkGroups(ctx, s, res, groups, func(a, b *domain.RawAccount) (float64, string, map[string]any, bool) {
		return WeightPhone, domain.ReasonPhone, map[string]any{"phone": a.Phone}, true
	})
}

func (r *Resolver) linkByEmail(ctx context.Context, s *state, res *Result) error {
	groups := groupBy(s, func(a *domain.RawAccount) string { return a.Email })
	return r.linkGroups(ctx, s, res, groups, func(a, b *domain.RawAccount) (float64, string, map[string]any, bool) {
		return WeightEmail, domain.ReasonEmail, map[string]any{"email": a.Email}, true
	})
}

// linkByHandleName links equal handles on different platforms whose
// display names are similar enough.
func (r *Resolver) linkByHandleName(ctx context.Context, s *state, res *Result) error {
	groups := groupBy(s, func(a *domain.RawAccount) string { return a.Handle })
	return r.linkGroups(ctx, s, res, groups, func(a, b *domain.RawAccount) (float64, string, map[string]any, bool) {
		if a.Platform == b.Platform || a.Name == "" || b.Name == "" {
			return 0, "", nil, false
		}
		sim := r.similarity(a.Name, b.Name)
		if sim < r.nameThreshold {
			return 0, "", nil, false
		}
		return WeightHandleName, domain.ReasonHandleName, map[string]any{"handle": a.Handle, "nameSim": sim}, true
	})
}

type linkFunc func(a, b *domain.RawAccount) (weight float64, reason string, evidence map[string]any, ok bool)

type group struct {
	value string
	keys  []domain.AccountKey
}

// groupBy buckets accounts by a non-empty attribute, in sorted order.
func groupBy(s *state, attr func(*domain.RawAccount) string) []group {
	buckets := make(map[string][]domain.AccountKey)
	for key, acc := range s.accounts {
		if v := attr(acc); v != "" {
			buckets[v] = append(buckets[v], key)
		}
	}
	groups := make([]group, 0, len(buckets))
	for v, keys := range buckets {
		if len(keys) < 2 {
			continue
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		groups = append(groups, group{value: v, keys: keys})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].value < groups[j].value })
	return groups
}

func (r *Resolver) linkGroups(ctx context.Context, s *state, res *Result, groups []group, link linkFunc) error {
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < len(g.keys); i++ {
			for j := i + 1; j < len(g.keys); j++ {
				a, b := s.accounts[g.keys[i]], s.accounts[g.keys[j]]
				weight, reason, evidence, ok := link(a, b)
				if !ok {
					continue
				}
				if upsertEdge(s, g.keys[i], g.keys[j], weight, reason, evidence) {
					res.NewEdges++
				}
				if s.uf.union(g.keys[i], g.keys[j]) {
					res.Merges++
					res.ByReason[reason]++
				}
			}
		}
	}
	return nil
}

// upsertEdge records a link keyed by the ordered pair. A repeated pair
// keeps every reason; the heaviest one stays primary. It reports whether
// the edge is new.
func upsertEdge(s *state, a, b domain.AccountKey, weight float64, reason string, evidence map[string]any) bool {
	if b.Less(a) {
		a, b = b, a
	}
	k := edgeKey{from: a, to: b}

	e, ok := s.edges[k]
	if !ok {
		s.edges[k] = &domain.AliasEdge{
			From:     a,
			To:       b,
			Weight:   weight,
			Reason:   reason,
			Reasons:  []string{reason},
			Evidence: evidence,
		}
		return true
	}

	if !slices.Contains(e.Reasons, reason) {
		e.Reasons = append(e.Reasons, reason)
		sort.Strings(e.Reasons)
	}
	if weight > e.Weight {
		e.Weight = weight
		e.Reason = reason
	}
	for k, v := range evidence {
		if e.Evidence == nil {
			e.Evidence = make(map[string]any)
		}
		if _, exists := e.Evidence[k]; !exists {
			e.Evidence[k] = v
		}
	}
	return false
}

// Snapshot returns an immutable copy of the current partition.
func (r *Resolver) Snapshot() *domain.Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.state
	members := make(map[domain.AccountKey][]domain.AccountKey)
	for key := range s.accounts {
		root := s.uf.root(key)
		members[root] = append(members[root], key)
	}

	identities := make([]domain.Identity, 0, len(members))
	for root, keys := range members {
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		id := domain.Identity{ID: root.String(), Members: keys}
		for _, k := range keys {
			acc := s.accounts[k]
			if id.Name == "" {
				id.Name = acc.Name
			}
			if id.Email == "" {
				id.Email = acc.Email
			}
			if id.Phone == "" {
				id.Phone = acc.Phone
			}
		}
		identities = append(identities, id)
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })

	edges := make([]domain.AliasEdge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, *cloneEdge(e))
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From.Less(edges[j].From)
		}
		return edges[i].To.Less(edges[j].To)
	})

	return &domain.Partition{
		CaseID:     r.caseID,
		Identities: identities,
		Edges:      edges,
		Accounts:   len(s.accounts),
		ResolvedAt: r.resolvedAt,
	}
}

// Accounts returns copies of the merged accounts in key order.
func (r *Resolver) Accounts() []*domain.RawAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RawAccount, 0, len(r.state.accounts))
	for _, acc := range r.state.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// IdentityOf returns the identity id of key.
func (r *Resolver) IdentityOf(key domain.AccountKey) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.state.accounts[key]; !ok {
		return "", false
	}
	return r.state.uf.root(key).String(), true
}

func cloneEdge(e *domain.AliasEdge) *domain.AliasEdge {
	c := *e
	c.Reasons = append([]string(nil), e.Reasons...)
	if e.Evidence != nil {
		c.Evidence = make(map[string]any, len(e.Evidence))
		for k, v := range e.Evidence {
			c.Evidence[k] = v
		}
	}
	return &c
}
