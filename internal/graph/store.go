package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultCandidates is the link candidate limit when none is given.
const DefaultCandidates = 10

// DefaultPaths is the suspicious path limit when none is given.
const DefaultPaths = 5

// Suspicious path thresholds
const (
	pathFileRisk = 70
	pathMaxHops  = 3
)

var bootstrapCypher = []string{
	"CREATE CONSTRAINT account_key IF NOT EXISTS FOR (a:Account) REQUIRE (a.case_id, a.platform, a.handle) IS UNIQUE",
	"CREATE CONSTRAINT identity_id IF NOT EXISTS FOR (i:Identity) REQUIRE (i.case_id, i.id) IS UNIQUE",
	"CREATE CONSTRAINT person_id IF NOT EXISTS FOR (p:Person) REQUIRE (p.case_id, p.id) IS UNIQUE",
	"CREATE CONSTRAINT place_id IF NOT EXISTS FOR (p:Place) REQUIRE (p.case_id, p.id) IS UNIQUE",
	"CREATE INDEX timeline_ts IF NOT EXISTS FOR (t:TimelineEvent) ON (t.timestamp)",
	"CREATE INDEX file_hash IF NOT EXISTS FOR (f:File) ON (f.hash)",
}

const coStaysCypher = `
MATCH (a:Person {case_id: $caseId, id: $seed})-[:STAYED_AT]->(h:Place)<-[:STAYED_AT]-(b:Person)
WHERE b.id <> $seed
RETURN b.id AS id, count(DISTINCT h) AS n
ORDER BY n DESC, id ASC
LIMIT $k`

const callsCypher = `
MATCH (a:Person {case_id: $caseId, id: $seed})-[c:CALLED|CONTACTED]-(b:Person)
WHERE b.id <> $seed
RETURN b.id AS id, sum(coalesce(c.count, 1)) AS n
ORDER BY n DESC, id ASC
LIMIT $k`

var suspiciousPathsCypher = fmt.Sprintf(`
MATCH (f:File {case_id: $caseId}), (fail:Failure {case_id: $caseId})
WHERE f.risk_score > %d AND fail.severity = 'CRITICAL'
MATCH path = shortestPath((f)-[*1..%d]-(fail))
RETURN f.id AS fileId, fail.id AS failureId, f.risk_score AS riskScore, length(path) AS length,
       [n IN nodes(path) | labels(n)[0] + ':' + coalesce(n.hash, n.id, n.handle, '')] AS nodes
ORDER BY length ASC, fileId ASC, failureId ASC
LIMIT $limit`, pathFileRisk, pathMaxHops)

// Store implements domain.GraphStore with Cypher over a Client. Every node
// key must carry case_id.
type Store struct {
	client Client
}

// NewStore creates a store backed by client.
func NewStore(client Client) *Store {
	return &Store{client: client}
}

// Bootstrap creates constraints and indexes if absent.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapCypher {
		if _, err := s.client.ExecuteWrite(ctx, stmt, nil); err != nil {
			return fmt.Errorf("bootstrap graph: %w", err)
		}
	}
	return nil
}

// UpsertNode merges a node by label and key and sets attrs.
func (s *Store) UpsertNode(ctx context.Context, label string, key map[string]any, attrs map[string]any) error {
	pattern, err := nodePattern("n", label, "key", key)
	if err != nil {
		return err
	}
	cypher := fmt.Sprintf("MERGE %s\nSET n += $attrs", pattern)
	params := map[string]any{"key": key, "attrs": orEmpty(attrs)}

	if _, err := s.client.ExecuteWrite(ctx, cypher, params); err != nil {
		return fmt.Errorf("upsert %s node: %w", label, err)
	}
	return nil
}

// UpsertEdge merges both endpoints and the edge between them.
func (s *Store) UpsertEdge(ctx context.Context, edge domain.EdgeUpsert) error {
	if err := checkIdentifiers(edge.Type); err != nil {
		return err
	}
	from, err := nodePattern("a", edge.From.Label, "from", edge.From.Key)
	if err != nil {
		return err
	}
	to, err := nodePattern("b", edge.To.Label, "to", edge.To.Key)
	if err != nil {
		return err
	}

	set, acc := splitAttrs(edge.Attrs, edge.Accumulate)
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s\nMERGE %s\nMERGE (a)-[r:%s]->(b)\nSET r += $attrs", from, to, edge.Type)
	for _, name := range sortedKeys(acc) {
		if err := checkIdentifiers(name); err != nil {
			return err
		}
		fmt.Fprintf(&b, "\nSET r.%s = coalesce(r.%s, 0) + $acc.%s", name, name, name)
	}

	params := map[string]any{
		"from":  edge.From.Key,
		"to":    edge.To.Key,
		"attrs": set,
		"acc":   acc,
	}
	if _, err := s.client.ExecuteWrite(ctx, b.String(), params); err != nil {
		return fmt.Errorf("upsert %s edge: %w", edge.Type, err)
	}
	return nil
}

// LinkCandidates returns people sharing places or calls with seed.
func (s *Store) LinkCandidates(ctx context.Context, caseID, seed string, k int) (*domain.LinkCandidates, error) {
	if caseID == "" || seed == "" {
		return nil, fmt.Errorf("%w: caseID and seed are required", domain.ErrValidation)
	}
	if k <= 0 {
		k = DefaultCandidates
	}
	params := map[string]any{"caseId": caseID, "seed": seed, "k": k}

	out := &domain.LinkCandidates{Seed: seed}
	stays, err := s.client.ExecuteRead(ctx, coStaysCypher, params)
	if err != nil {
		return nil, fmt.Errorf("co-stay query: %w", err)
	}
	out.CoStays = candidates(stays)

	calls, err := s.client.ExecuteRead(ctx, callsCypher, params)
	if err != nil {
		return nil, fmt.Errorf("call query: %w", err)
	}
	out.Calls = candidates(calls)
	return out, nil
}

// SuspiciousPaths returns the shortest paths from high-risk files to
// critical failures.
func (s *Store) SuspiciousPaths(ctx context.Context, caseID string, limit int) ([]domain.SuspiciousPath, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: caseID is required", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultPaths
	}

	res, err := s.client.ExecuteRead(ctx, suspiciousPathsCypher, map[string]any{"caseId": caseID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("suspicious path query: %w", err)
	}

	paths := make([]domain.SuspiciousPath, 0, len(res.Records))
	for _, rec := range res.Records {
		paths = append(paths, domain.SuspiciousPath{
			FileID:    toString(rec["fileId"]),
			FailureID: toString(rec["failureId"]),
			Nodes:     toStrings(rec["nodes"]),
			Length:    toInt(rec["length"]),
			RiskScore: toFloat64(rec["riskScore"]),
		})
	}
	return paths, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.VerifyConnectivity(ctx)
}

// Close releases the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func candidates(res Result) []domain.LinkCandidate {
	out := make([]domain.LinkCandidate, 0, len(res.Records))
	for _, rec := range res.Records {
		out = append(out, domain.LinkCandidate{
			ID:    toString(rec["id"]),
			Count: toInt(rec["n"]),
		})
	}
	return out
}

// nodePattern renders (v:Label {k: $param.k, ...}) with sorted keys.
func nodePattern(variable, label, param string, key map[string]any) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: %s node key is empty", domain.ErrValidation, label)
	}
	if !caseScoped(key) {
		return "", fmt.Errorf("%w: %s node key needs case_id", domain.ErrValidation, label)
	}
	names := sortedKeys(key)
	if err := checkIdentifiers(append([]string{label}, names...)...); err != nil {
		return "", err
	}

	props := make([]string, len(names))
	for i, n := range names {
		props[i] = fmt.Sprintf("%s: $%s.%s", n, param, n)
	}
	return fmt.Sprintf("(%s:%s {%s})", variable, label, strings.Join(props, ", ")), nil
}

func splitAttrs(attrs map[string]any, accumulate []string) (set, acc map[string]any) {
	set = make(map[string]any, len(attrs))
	acc = make(map[string]any, len(accumulate))
	for k, v := range attrs {
		set[k] = v
	}
	for _, name := range accumulate {
		if v, ok := set[name]; ok {
			acc[name] = v
			delete(set, name)
		}
	}
	return set, acc
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
