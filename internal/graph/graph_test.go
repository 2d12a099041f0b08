package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

func person(caseID, id string) domain.NodeRef {
	return domain.NodeRef{Label: domain.LabelPerson, Key: map[string]any{"case_id": caseID, "id": id}}
}

func place(caseID, id string) domain.NodeRef {
	return domain.NodeRef{Label: domain.LabelPlace, Key: map[string]any{"case_id": caseID, "id": id}}
}

func TestStoreUpsertNode(t *testing.T) {
	client := NewMemoryClient()
	store := NewStore(client)
	ctx := context.Background()

	err := store.UpsertNode(ctx, domain.LabelAccount,
		map[string]any{"case_id": "c1", "platform": "x", "handle": "alice"},
		map[string]any{"name": "Alice"})
	require.NoError(t, err)

	calls := client.WriteCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "MERGE (n:Account {case_id: $key.case_id, handle: $key.handle, platform: $key.platform})\nSET n += $attrs", calls[0].Query)
	assert.Equal(t, map[string]any{"name": "Alice"}, calls[0].Params["attrs"])
}

func TestStoreRejectsUnsafeInput(t *testing.T) {
	store := NewStore(NewMemoryClient())
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{"label injection", store.UpsertNode(ctx, "Account) DETACH DELETE (n", map[string]any{"case_id": "c1", "id": "1"}, nil)},
		{"key injection", store.UpsertNode(ctx, "Account", map[string]any{"case_id": "c1", "id}) //": "1"}, nil)},
		{"missing case", store.UpsertNode(ctx, "Account", map[string]any{"id": "1"}, nil)},
		{"empty key", store.UpsertNode(ctx, "Account", nil, nil)},
		{"edge type", store.UpsertEdge(ctx, domain.EdgeUpsert{Type: "A-B", From: person("c1", "a"), To: person("c1", "b")})},
		{"accumulate field", store.UpsertEdge(ctx, domain.EdgeUpsert{
			Type: domain.RelContacted, From: person("c1", "a"), To: person("c1", "b"),
			Attrs: map[string]any{"bad name": 1}, Accumulate: []string{"bad name"},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, domain.ErrValidation)
		})
	}
}

func TestStoreUpsertEdgeAccumulates(t *testing.T) {
	client := NewMemoryClient()
	store := NewStore(client)

	err := store.UpsertEdge(context.Background(), domain.EdgeUpsert{
		Type:       domain.RelContacted,
		From:       person("c1", "a"),
		To:         person("c1", "b"),
		Attrs:      map[string]any{"count": 3, "last_ts": "2024-01-01T00:00:00Z"},
		Accumulate: []string{"count"},
	})
	require.NoError(t, err)

	q := client.WriteCalls()[0]
	assert.Contains(t, q.Query, "MERGE (a)-[r:CONTACTED]->(b)")
	assert.Contains(t, q.Query, "SET r.count = coalesce(r.count, 0) + $acc.count")
	assert.Equal(t, map[string]any{"last_ts": "2024-01-01T00:00:00Z"}, q.Params["attrs"])
	assert.Equal(t, map[string]any{"count": 3}, q.Params["acc"])
}

func TestStoreBootstrap(t *testing.T) {
	client := NewMemoryClient()
	require.NoError(t, NewStore(client).Bootstrap(context.Background()))

	calls := client.WriteCalls()
	require.Len(t, calls, len(bootstrapCypher))
	for _, c := range calls {
		assert.Contains(t, c.Query, "IF NOT EXISTS")
	}
}

func TestStoreReads(t *testing.T) {
	client := NewMemoryClient()
	store := NewStore(client)
	ctx := context.Background()

	client.PushReadResult(Result{Records: []Record{{"id": "bob", "n": int64(2)}}})
	client.PushReadResult(Result{Records: []Record{{"id": "carol", "n": int64(5)}}})

	lc, err := store.LinkCandidates(ctx, "c1", "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.LinkCandidate{{ID: "bob", Count: 2}}, lc.CoStays)
	assert.Equal(t, []domain.LinkCandidate{{ID: "carol", Count: 5}}, lc.Calls)
	assert.Equal(t, DefaultCandidates, client.ReadCalls()[0].Params["k"])

	client.PushReadResult(Result{Records: []Record{{
		"fileId": "f1", "failureId": "x1", "riskScore": 90.0, "length": int64(2),
		"nodes": []any{"File:abc", "Person:p1", "Failure:x1"},
	}}})
	paths, err := store.SuspiciousPaths(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []string{"File:abc", "Person:p1", "Failure:x1"}, paths[0].Nodes)
	assert.Equal(t, 2, paths[0].Length)
	assert.True(t, strings.Contains(client.ReadCalls()[2].Query, "shortestPath"))
}

func TestStoreErrors(t *testing.T) {
	boom := errors.New("boom")
	store := NewStore(NewMemoryClient().WithError(boom).WithConnectivityError(domain.ErrConnectivity))
	ctx := context.Background()

	assert.ErrorIs(t, store.UpsertNode(ctx, "Person", map[string]any{"case_id": "c1", "id": "1"}, nil), boom)
	_, err := store.LinkCandidates(ctx, "c1", "a", 1)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, store.Ping(ctx), domain.ErrConnectivity)

	_, err = store.LinkCandidates(ctx, "", "a", 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMemoryStoreEdges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	edge := domain.EdgeUpsert{
		Type:       domain.RelContacted,
		From:       person("c1", "a"),
		To:         person("c1", "b"),
		Attrs:      map[string]any{"count": 2, "first_ts": "t1"},
		Accumulate: []string{"count"},
	}
	require.NoError(t, store.UpsertEdge(ctx, edge))
	require.NoError(t, store.UpsertEdge(ctx, edge))

	props, ok := store.Edge(domain.RelContacted, edge.From, edge.To)
	require.True(t, ok)
	assert.Equal(t, int64(4), props["count"])
	assert.Equal(t, "t1", props["first_ts"])

	// overwrite without accumulation
	edge.Accumulate = nil
	require.NoError(t, store.UpsertEdge(ctx, edge))
	props, _ = store.Edge(domain.RelContacted, edge.From, edge.To)
	assert.Equal(t, 2, props["count"])

	nodes, edges := store.Counts()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)
}

func TestMemoryStoreNodeIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := map[string]any{"case_id": "c1", "id": "p1"}

	require.NoError(t, store.UpsertNode(ctx, domain.LabelPerson, key, map[string]any{"name": "A"}))
	require.NoError(t, store.UpsertNode(ctx, domain.LabelPerson, key, map[string]any{"phone": "+1"}))

	props, ok := store.Node(domain.LabelPerson, key)
	require.True(t, ok)
	assert.Equal(t, "A", props["name"])
	assert.Equal(t, "+1", props["phone"])
	nodes, _ := store.Counts()
	assert.Equal(t, 1, nodes)
}

func TestMemoryStoreLinkCandidates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	stay := func(p, pl string) {
		require.NoError(t, store.UpsertEdge(ctx, domain.EdgeUpsert{Type: domain.RelStayedAt, From: person("c1", p), To: place("c1", pl)}))
	}
	call := func(a, b string, n int) {
		require.NoError(t, store.UpsertEdge(ctx, domain.EdgeUpsert{
			Type: domain.RelCalled, From: person("c1", a), To: person("c1", b),
			Attrs: map[string]any{"count": n}, Accumulate: []string{"count"},
		}))
	}

	stay("alice", "h1")
	stay("alice", "h2")
	stay("bob", "h1")
	stay("bob", "h2")
	stay("carol", "h2")
	call("alice", "carol", 3)
	call("dave", "alice", 1)
	// other case
	require.NoError(t, store.UpsertEdge(ctx, domain.EdgeUpsert{Type: domain.RelStayedAt, From: person("c2", "eve"), To: place("c2", "h1")}))

	lc, err := store.LinkCandidates(ctx, "c1", "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.LinkCandidate{{ID: "bob", Count: 2}, {ID: "carol", Count: 1}}, lc.CoStays)
	assert.Equal(t, []domain.LinkCandidate{{ID: "carol", Count: 3}, {ID: "dave", Count: 1}}, lc.Calls)

	lc, err = store.LinkCandidates(ctx, "c1", "alice", 1)
	require.NoError(t, err)
	assert.Len(t, lc.CoStays, 1)

	lc, err = store.LinkCandidates(ctx, "c1", "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, lc.CoStays)
}

func TestMemoryStoreSuspiciousPaths(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	file := func(id string, risk float64) domain.NodeRef {
		ref := domain.NodeRef{Label: domain.LabelFile, Key: map[string]any{"case_id": "c1", "id": id}}
		require.NoError(t, store.UpsertNode(ctx, ref.Label, ref.Key, map[string]any{"risk_score": risk, "hash": "h-" + id}))
		return ref
	}
	failure := func(id string, sev domain.Severity) domain.NodeRef {
		ref := domain.NodeRef{Label: domain.LabelFailure, Key: map[string]any{"case_id": "c1", "id": id}}
		require.NoError(t, store.UpsertNode(ctx, ref.Label, ref.Key, map[string]any{"severity": string(sev)}))
		return ref
	}
	link := func(a, b domain.NodeRef) {
		require.NoError(t, store.UpsertEdge(ctx, domain.EdgeUpsert{Type: domain.LinkRelatedTo, From: a, To: b}))
	}

	hot := file("f1", 90)
	cold := file("f2", 50)
	crit := failure("x1", domain.SeverityCritical)
	high := failure("x2", domain.SeverityHigh)
	mid := person("c1", "p1")
	far1 := person("c1", "p2")
	far2 := person("c1", "p3")
	farCrit := failure("x3", domain.SeverityCritical)

	link(hot, mid)
	link(crit, mid)
	link(cold, crit)
	link(hot, high)
	// four hops away
	link(hot, far1)
	link(far1, far2)
	link(far2, domain.NodeRef{Label: domain.LabelPlace, Key: map[string]any{"case_id": "c1", "id": "pl"}})
	link(domain.NodeRef{Label: domain.LabelPlace, Key: map[string]any{"case_id": "c1", "id": "pl"}}, farCrit)

	paths, err := store.SuspiciousPaths(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "f1", paths[0].FileID)
	assert.Equal(t, "x1", paths[0].FailureID)
	assert.Equal(t, 2, paths[0].Length)
	assert.Equal(t, []string{"File:h-f1", "Person:p1", "Failure:x1"}, paths[0].Nodes)
	assert.Equal(t, 90.0, paths[0].RiskScore)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Bootstrap(ctx))
	assert.True(t, store.Bootstrapped())
	require.NoError(t, store.Close(ctx))

	assert.ErrorIs(t, store.Ping(ctx), domain.ErrConnectivity)
	assert.ErrorIs(t, store.UpsertNode(ctx, "Person", map[string]any{"case_id": "c1", "id": "1"}, nil), domain.ErrConnectivity)
}

func TestNew(t *testing.T) {
	store, err := New(context.Background(), domain.GraphConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = New(context.Background(), domain.GraphConfig{Driver: "neo4j"})
	assert.ErrorIs(t, err, ErrMissingURI)

	_, err = New(context.Background(), domain.GraphConfig{Driver: "dgraph"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
