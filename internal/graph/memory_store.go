package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

type memNode struct {
	id    string
	label string
	props map[string]any
}

type memEdge struct {
	typ   string
	from  string
	to    string
	props map[string]any
}

// MemoryStore implements domain.GraphStore in process. It backs the
// community tier and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	nodes        map[string]*memNode
	edges        map[string]*memEdge
	adj          map[string][]string
	bootstrapped bool
	closed       bool
}

// NewMemoryStore creates an empty graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*memNode),
		edges: make(map[string]*memEdge),
		adj:   make(map[string][]string),
	}
}

func nodeID(label string, key map[string]any) string {
	var b strings.Builder
	b.WriteString(label)
	b.WriteByte('{')
	for i, k := range sortedKeys(key) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", k, key[k])
	}
	b.WriteByte('}')
	return b.String()
}

func edgeID(typ, from, to string) string {
	return typ + "|" + from + "|" + to
}

// Bootstrap is a no-op beyond recording that it ran.
func (m *MemoryStore) Bootstrap(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: graph store closed", domain.ErrConnectivity)
	}
	m.bootstrapped = true
	return nil
}

// Bootstrapped reports whether Bootstrap ran.
func (m *MemoryStore) Bootstrapped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bootstrapped
}

// UpsertNode merges a node by label and key and sets attrs.
func (m *MemoryStore) UpsertNode(_ context.Context, label string, key map[string]any, attrs map[string]any) error {
	if _, err := nodePattern("n", label, "key", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: graph store closed", domain.ErrConnectivity)
	}
	n := m.mergeNode(label, key)
	for k, v := range attrs {
		n.props[k] = v
	}
	return nil
}

func (m *MemoryStore) mergeNode(label string, key map[string]any) *memNode {
	id := nodeID(label, key)
	n, ok := m.nodes[id]
	if !ok {
		n = &memNode{id: id, label: label, props: make(map[string]any, len(key))}
		for k, v := range key {
			n.props[k] = v
		}
		m.nodes[id] = n
	}
	return n
}

// UpsertEdge merges both endpoints and the edge between them.
func (m *MemoryStore) UpsertEdge(_ context.Context, edge domain.EdgeUpsert) error {
	if err := checkIdentifiers(edge.Type); err != nil {
		return err
	}
	if _, err := nodePattern("a", edge.From.Label, "from", edge.From.Key); err != nil {
		return err
	}
	if _, err := nodePattern("b", edge.To.Label, "to", edge.To.Key); err != nil {
		return err
	}
	set, acc := splitAttrs(edge.Attrs, edge.Accumulate)
	if err := checkIdentifiers(sortedKeys(acc)...); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: graph store closed", domain.ErrConnectivity)
	}

	from := m.mergeNode(edge.From.Label, edge.From.Key)
	to := m.mergeNode(edge.To.Label, edge.To.Key)
	id := edgeID(edge.Type, from.id, to.id)
	e, ok := m.edges[id]
	if !ok {
		e = &memEdge{typ: edge.Type, from: from.id, to: to.id, props: make(map[string]any)}
		m.edges[id] = e
		m.adj[from.id] = append(m.adj[from.id], id)
		if to.id != from.id {
			m.adj[to.id] = append(m.adj[to.id], id)
		}
	}
	for k, v := range set {
		e.props[k] = v
	}
	for k, v := range acc {
		e.props[k] = addNumbers(e.props[k], v)
	}
	return nil
}

// Node returns the properties of a node.
func (m *MemoryStore) Node(label string, key map[string]any) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID(label, key)]
	if !ok {
		return nil, false
	}
	return cloneMap(n.props), true
}

// Edge returns the properties of an edge.
func (m *MemoryStore) Edge(typ string, from, to domain.NodeRef) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[edgeID(typ, nodeID(from.Label, from.Key), nodeID(to.Label, to.Key))]
	if !ok {
		return nil, false
	}
	return cloneMap(e.props), true
}

// Counts returns the number of nodes and edges.
func (m *MemoryStore) Counts() (nodes, edges int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes), len(m.edges)
}

// LinkCandidates returns people sharing places or calls with seed.
func (m *MemoryStore) LinkCandidates(_ context.Context, caseID, seed string, k int) (*domain.LinkCandidates, error) {
	if caseID == "" || seed == "" {
		return nil, fmt.Errorf("%w: caseID and seed are required", domain.ErrValidation)
	}
	if k <= 0 {
		k = DefaultCandidates
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &domain.LinkCandidates{Seed: seed, CoStays: []domain.LinkCandidate{}, Calls: []domain.LinkCandidate{}}
	start := m.find(domain.LabelPerson, caseID, seed)
	if start == nil {
		return out, nil
	}

	shared := make(map[string]map[string]struct{})
	calls := make(map[string]int)
	for _, eid := range m.adj[start.id] {
		e := m.edges[eid]
		switch e.typ {
		case domain.RelStayedAt:
			if e.from != start.id {
				continue
			}
			place := e.to
			for _, pid := range m.adj[place] {
				pe := m.edges[pid]
				other := m.nodes[pe.from]
				if pe.typ != domain.RelStayedAt || pe.to != place || other.label != domain.LabelPerson {
					continue
				}
				id := toString(other.props["id"])
				if id == seed {
					continue
				}
				if shared[id] == nil {
					shared[id] = make(map[string]struct{})
				}
				shared[id][place] = struct{}{}
			}
		case domain.RelCalled, domain.RelContacted:
			otherID := e.to
			if otherID == start.id {
				otherID = e.from
			}
			other := m.nodes[otherID]
			id := toString(other.props["id"])
			if other.label != domain.LabelPerson || id == seed {
				continue
			}
			n := toInt(e.props["count"])
			if n == 0 {
				n = 1
			}
			calls[id] += n
		}
	}

	for id, places := range shared {
		out.CoStays = append(out.CoStays, domain.LinkCandidate{ID: id, Count: len(places)})
	}
	for id, n := range calls {
		out.Calls = append(out.Calls, domain.LinkCandidate{ID: id, Count: n})
	}
	out.CoStays = topCandidates(out.CoStays, k)
	out.Calls = topCandidates(out.Calls, k)
	return out, nil
}

func (m *MemoryStore) find(label, caseID, id string) *memNode {
	n := m.nodes[nodeID(label, map[string]any{"case_id": caseID, "id": id})]
	if n != nil {
		return n
	}
	for _, n := range m.nodes {
		if n.label == label && toString(n.props["case_id"]) == caseID && toString(n.props["id"]) == id {
			return n
		}
	}
	return nil
}

func topCandidates(c []domain.LinkCandidate, k int) []domain.LinkCandidate {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Count != c[j].Count {
			return c[i].Count > c[j].Count
		}
		return c[i].ID < c[j].ID
	})
	if len(c) > k {
		c = c[:k]
	}
	return c
}

// SuspiciousPaths returns the shortest paths from high-risk files to
// critical failures.
func (m *MemoryStore) SuspiciousPaths(_ context.Context, caseID string, limit int) ([]domain.SuspiciousPath, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: caseID is required", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultPaths
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var files []*memNode
	critical := make(map[string]bool)
	for _, n := range m.nodes {
		if toString(n.props["case_id"]) != caseID {
			continue
		}
		switch {
		case n.label == domain.LabelFile && toFloat64(n.props["risk_score"]) > pathFileRisk:
			files = append(files, n)
		case n.label == domain.LabelFailure && toString(n.props["severity"]) == string(domain.SeverityCritical):
			critical[n.id] = true
		}
	}

	paths := []domain.SuspiciousPath{}
	for _, f := range files {
		parent := m.bfs(f.id, pathMaxHops)
		for target := range parent {
			if !critical[target] {
				continue
			}
			var chain []string
			for n := target; n != ""; n = parent[n] {
				chain = append(chain, n)
			}
			nodes := make([]string, len(chain))
			for i, id := range chain {
				nodes[len(chain)-1-i] = summary(m.nodes[id])
			}
			paths = append(paths, domain.SuspiciousPath{
				FileID:    toString(f.props["id"]),
				FailureID: toString(m.nodes[target].props["id"]),
				Nodes:     nodes,
				Length:    len(chain) - 1,
				RiskScore: toFloat64(f.props["risk_score"]),
			})
		}
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Length != paths[j].Length {
			return paths[i].Length < paths[j].Length
		}
		if paths[i].FileID != paths[j].FileID {
			return paths[i].FileID < paths[j].FileID
		}
		return paths[i].FailureID < paths[j].FailureID
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

// bfs walks edges in either direction and returns the parent of every node
// reached within hops; the start node maps to "".
func (m *MemoryStore) bfs(start string, hops int) map[string]string {
	parent := map[string]string{start: ""}
	frontier := []string{start}
	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []string
		for _, n := range frontier {
			neighbours := make([]string, 0, len(m.adj[n]))
			for _, eid := range m.adj[n] {
				e := m.edges[eid]
				other := e.to
				if other == n {
					other = e.from
				}
				neighbours = append(neighbours, other)
			}
			sort.Strings(neighbours)
			for _, o := range neighbours {
				if _, seen := parent[o]; seen {
					continue
				}
				parent[o] = n
				next = append(next, o)
			}
		}
		frontier = next
	}
	return parent
}

func summary(n *memNode) string {
	for _, k := range []string{"hash", "id", "handle"} {
		if s := toString(n.props[k]); s != "" {
			return n.label + ":" + s
		}
	}
	return n.label + ":"
}

func addNumbers(a, b any) any {
	ai, aInt := asInt64(a)
	bi, bInt := asInt64(b)
	if (a == nil || aInt) && bInt {
		return ai + bi
	}
	return toFloat64(a) + toFloat64(b)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// Ping fails once the store is closed.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("%w: graph store closed", domain.ErrConnectivity)
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
