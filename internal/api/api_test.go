package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/graph"
	"github.com/opensource-finance/harrier/internal/investigate"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
)

type testServer struct {
	*Server
	bus *bus.ChannelBus
}

// createTestServer wires a server over in-process collaborators.
func createTestServer(t *testing.T, cfg domain.AnalysisConfig) *testServer {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine(4)
	require.NoError(t, err)

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	reg := prometheus.NewRegistry()
	svc, err := investigate.New(cfg, investigate.Deps{
		Repo:    repo,
		Graph:   graph.NewMemoryStore(),
		Cache:   cache.NewLRUCache(1000),
		Bus:     b,
		Engine:  engine,
		Metrics: metrics.New(reg),
	})
	require.NoError(t, err)

	return &testServer{
		Server: NewServer(domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}, svc, b, reg, "test-v1"),
		bus:    b,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})

	rr := server.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[map[string]any](t, rr)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test-v1", resp["version"])
	assert.Len(t, resp["components"], 4)
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))

	rr = server.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, server.bus.Close())
	rr = server.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "degraded", decode[map[string]any](t, rr)["status"])
	rr = server.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})

	rr := server.do(t, http.MethodPost, "/cases/case-001/build", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = server.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "harrier_build_duration_seconds")
}

func TestNormalizeEndpoint(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})

	tests := []struct {
		name       string
		body       any
		status     int
		normalized string
		valid      bool
	}{
		{"Phone", NormalizeRequest{Kind: "phone", Value: "(650) 253-0000"}, http.StatusOK, "+16502530000", true},
		{"Email", NormalizeRequest{Kind: "email", Value: " Jane@Example.COM "}, http.StatusOK, "jane@example.com", true},
		{"Handle", NormalizeRequest{Kind: "handle", Value: "@Shadow_Fox"}, http.StatusOK, "shadow_fox", true},
		{"Text", NormalizeRequest{Kind: "text", Value: "call +1 650 253 0000"}, http.StatusOK, "+16502530000", true},
		{"InvalidValue", NormalizeRequest{Kind: "phone", Value: "12"}, http.StatusOK, "", false},
		{"UnknownKind", NormalizeRequest{Kind: "fax", Value: "x"}, http.StatusBadRequest, "", false},
		{"InvalidJSON", "not-json", http.StatusBadRequest, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := server.do(t, http.MethodPost, "/normalize", tt.body)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			resp := decode[map[string]any](t, rr)
			if tt.status != http.StatusOK {
				assert.NotEmpty(t, resp["error"])
				return
			}
			assert.Equal(t, tt.normalized, resp["normalized"])
			assert.Equal(t, tt.valid, resp["valid"])
		})
	}
}

func TestCaseIDValidation(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})

	for _, id := range []string{"_dispatch", "bad.case", "a%2Ab"} {
		t.Run(id, func(t *testing.T) {
			rr := server.do(t, http.MethodGet, "/cases/"+id+"/identities", nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestCaseWorkflow(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})
	const base = "/cases/case-001"

	t.Run("IdentitiesBeforeBuild", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, base+"/identities", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("IngestRecords", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, base+"/records", investigate.Records{
			Events: []*domain.Event{
				{Platform: "telegram", ActorKey: "@shadow_fox", PeerKey: "@buyer_one", Timestamp: ts("2026-03-01T23:30:00Z"), Text: "+1 650 253 0000"},
				{Platform: "whatsapp", ActorKey: "fox.backup", PeerKey: "buyer_one", Timestamp: ts("2026-03-02T10:00:00Z"), Text: "same number +1 650 253 0000"},
				{Platform: "whatsapp"},
			},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		summary := decode[domain.BatchSummary](t, rr)
		assert.Equal(t, 2, summary.Accepted)
		assert.Equal(t, 1, summary.Skipped)
		assert.Len(t, summary.Errors, 1)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, base+"/records", investigate.Records{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Build", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, base+"/build", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		res := decode[domain.BuildResult](t, rr)
		assert.Equal(t, "case-001", res.CaseID)
		assert.Equal(t, 4, res.Accounts)
		assert.Equal(t, 3, res.Identities)
		assert.Equal(t, 1, res.Merges)
		assert.Equal(t, 2, res.ContactEdges)
	})

	t.Run("Identities", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, base+"/identities", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		part := decode[domain.Partition](t, rr)
		assert.Len(t, part.Identities, 3)
		require.Len(t, part.Edges, 1)
		assert.Equal(t, domain.ReasonPhone, part.Edges[0].Reason)
	})

	t.Run("ScoreRelationshipsFromStore", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/score/relationships", RelationshipRequest{CaseID: "case-001"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode[map[string]any](t, rr)
		assert.EqualValues(t, 2, resp["count"])
	})
}

func TestBuildEndpoint(t *testing.T) {
	t.Run("Async", func(t *testing.T) {
		server := createTestServer(t, domain.AnalysisConfig{})
		got := make(chan domain.BuildRequest, 1)
		_, err := server.bus.Subscribe(context.Background(), domain.DispatchCaseID, domain.TopicBuildRequested, func(_ context.Context, msg *domain.Message) error {
			var req domain.BuildRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return err
			}
			got <- req
			return nil
		})
		require.NoError(t, err)

		rr := server.do(t, http.MethodPost, "/cases/case-007/build?async=true", map[string]bool{"incremental": true})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		select {
		case req := <-got:
			assert.Equal(t, "case-007", req.CaseID)
			assert.True(t, req.Incremental)
			assert.NotEmpty(t, req.TraceID)
		case <-time.After(time.Second):
			t.Fatal("build request was not published")
		}
	})

	t.Run("BadAsyncFlag", func(t *testing.T) {
		server := createTestServer(t, domain.AnalysisConfig{})
		rr := server.do(t, http.MethodPost, "/cases/case-001/build?async=maybe", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("RateLimited", func(t *testing.T) {
		server := createTestServer(t, domain.AnalysisConfig{BuildsPerMinute: 1})
		rr := server.do(t, http.MethodPost, "/cases/case-001/build", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		rr = server.do(t, http.MethodPost, "/cases/case-001/build", nil)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	})
}

func TestPairEndpoint(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})

	rr := server.do(t, http.MethodPost, "/cases/case-001/score/pair", investigate.PairRequest{A: "p1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = server.do(t, http.MethodPost, "/cases/case-001/score/pair", investigate.PairRequest{A: "p1", B: "p2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	score := decode[domain.RiskScore](t, rr)
	assert.Equal(t, [2]string{"p1", "p2"}, score.Subjects)
	assert.Zero(t, score.Score)
}

func TestBehaviorEndpoints(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})
	const base = "/cases/case-001"

	events := make([]*domain.ActivityEvent, 0, 5)
	for i := range 5 {
		events = append(events, &domain.ActivityEvent{
			UserID:      "u1",
			Timestamp:   ts(fmt.Sprintf("2026-03-01T12:%02d:00Z", i)),
			Operation:   "DELETE",
			ProcessName: "explorer.exe",
		})
	}

	t.Run("Profile", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/behavior/profile", ProfileRequest{Events: events})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		p := decode[domain.BehaviorProfile](t, rr)
		assert.Equal(t, 5, p.Events)

		rr = server.do(t, http.MethodPost, "/behavior/profile", ProfileRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	var alertID string
	t.Run("Analyze", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, base+"/behavior/analyze", investigate.BehaviorRequest{
			UserID:      "u1",
			Events:      events,
			Sensitivity: "medium",
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		res := decode[investigate.BehaviorResult](t, rr)
		assert.Equal(t, 60.0, res.Run.RiskScore)
		require.NotNil(t, res.Alert)
		assert.Equal(t, domain.SeverityHigh, res.Alert.Severity)
		alertID = res.Alert.ID
	})

	t.Run("VerifyCustody", func(t *testing.T) {
		require.NotEmpty(t, alertID)
		rr := server.do(t, http.MethodGet, base+"/custody/"+alertID+"/verify", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.True(t, decode[domain.CustodyVerification](t, rr).Valid)

		rr = server.do(t, http.MethodPost, base+"/custody/"+alertID+"/transfer", TransferRequest{Action: "Export", Custodian: "analyst"})
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		rr = server.do(t, http.MethodGet, base+"/custody/"+alertID+"/verify", nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		rr = server.do(t, http.MethodGet, base+"/custody/missing/verify", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Runs", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, base+"/runs", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.EqualValues(t, 1, decode[map[string]any](t, rr)["count"])
	})

	t.Run("Hypotheses", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, base+"/hypotheses?sensitivity=extreme", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = server.do(t, http.MethodGet, base+"/hypotheses?sensitivity=low", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.EqualValues(t, 1, decode[map[string]any](t, rr)["count"])
	})
}

func TestMobilityEndpoints(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})
	const base = "/cases/case-001"

	var points []domain.Ping
	start := *ts("2026-03-01T10:00:00Z")
	for i := range 7 {
		points = append(points, domain.Ping{PersonID: "p1", Timestamp: start.Add(time.Duration(i) * 5 * time.Minute), Lat: 40.7128, Lon: -74.0060})
	}

	rr := server.do(t, http.MethodPost, base+"/mobility/timeline", investigate.MobilityRequest{Points: points})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decode[investigate.Mobility](t, rr)
	assert.Equal(t, "p1", m.Person)
	assert.Len(t, m.Stays, 1)

	rr = server.do(t, http.MethodPost, base+"/mobility/timeline", investigate.MobilityRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = server.do(t, http.MethodPost, base+"/places/safehouses", SafeHouseRequest{PersonID: "p1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = server.do(t, http.MethodGet, base+"/link-candidates?seed=p1&k=3", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "p1", decode[domain.LinkCandidates](t, rr).Seed)

	rr = server.do(t, http.MethodGet, base+"/link-candidates?seed=p1&k=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = server.do(t, http.MethodGet, base+"/suspicious-paths?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 0, decode[map[string]any](t, rr)["count"])
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})

	rr := server.do(t, http.MethodPost, "/rules", CreateRuleRequest{
		ID:         "mass-encryption",
		Name:       "Mass encryption",
		Expression: "encrypted >= 10",
		Type:       "MASS_ENCRYPTION",
		Severity:   "critical",
		Confidence: 0.9,
		Weight:     30,
		Enabled:    true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = server.do(t, http.MethodGet, "/rules/mass-encryption", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = server.do(t, http.MethodPost, "/rules/reload", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["count"])

	rr = server.do(t, http.MethodGet, "/rules/mass-encryption", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rule := decode[domain.RuleConfig](t, rr)
	assert.Equal(t, domain.SeverityCritical, rule.Severity)
	assert.Equal(t, domain.GlobalCaseID, rule.CaseID)

	rr = server.do(t, http.MethodGet, "/rules", nil)
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["count"])

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID: "broken", Name: "Broken", Expression: "encrypted >>", Type: "X",
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/rules", CreateRuleRequest{ID: "x"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: gone", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: tampered", domain.ErrIntegrity), http.StatusConflict},
		{fmt.Errorf("%w: slow down", domain.ErrRateLimited), http.StatusTooManyRequests},
		{fmt.Errorf("%w: down", domain.ErrConnectivity), http.StatusServiceUnavailable},
		{&domain.RowError{Kind: "event", Err: domain.ErrValidation}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusOf(tt.err), tt.err.Error())
	}
}

func TestCORSPreflight(t *testing.T) {
	server := createTestServer(t, domain.AnalysisConfig{})
	req := httptest.NewRequest(http.MethodOptions, "/cases/case-001/build", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://console.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
