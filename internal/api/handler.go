package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/investigate"
	"github.com/opensource-finance/harrier/internal/normalize"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc        *investigate.Service
	bus        domain.EventBus
	normalizer *normalize.Normalizer
	version    string
}

// NewHandler creates a new API handler. A nil bus disables async builds.
func NewHandler(svc *investigate.Service, bus domain.EventBus, version string) *Handler {
	return &Handler{
		svc:        svc,
		bus:        bus,
		normalizer: normalize.New(svc.Config().DefaultRegion),
		version:    version,
	}
}

// Health returns the status of every collaborator. The response is 200
// even when degraded so that probes can read the components.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, components := h.svc.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status, _ := h.svc.Health(r.Context())
	if status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "status": status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// Bootstrap creates the graph constraints and indexes.
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Bootstrap(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bootstrapped"})
}

// NormalizeRequest is the request body for POST /normalize.
type NormalizeRequest struct {
	Kind  normalize.Kind `json:"kind"`
	Value string         `json:"value"`
}

// Normalize canonicalizes one handle, email, phone or free-text value. An
// unparseable value is reported with valid=false.
func (h *Handler) Normalize(w http.ResponseWriter, r *http.Request) {
	var req NormalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch req.Kind {
	case normalize.KindHandle, normalize.KindEmail, normalize.KindPhone, normalize.KindFreeText:
	default:
		writeError(w, fmt.Errorf("%w: kind must be one of handle, email, phone, text", domain.ErrValidation))
		return
	}

	out, ok := h.normalizer.Normalize(req.Kind, req.Value)
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":       req.Kind,
		"value":      req.Value,
		"normalized": out,
		"valid":      ok,
	})
}

// RelationshipRequest is the request body for POST /score/relationships.
// Without events the stored events of CaseID are scored.
type RelationshipRequest struct {
	CaseID string         `json:"caseId,omitempty"`
	Events []domain.Event `json:"events"`
	Limit  int            `json:"limit,omitempty"`
}

// ScoreRelationships ranks communication pairs by relationship risk.
func (h *Handler) ScoreRelationships(w http.ResponseWriter, r *http.Request) {
	var req RelationshipRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ranked, err := h.svc.RelationshipScore(r.Context(), req.CaseID, req.Events, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relationships": ranked,
		"count":         len(ranked),
	})
}

// ProfileRequest is the request body for POST /behavior/profile.
type ProfileRequest struct {
	Events []*domain.ActivityEvent `json:"events"`
}

// BehaviorProfile summarizes the rhythm of an event list.
func (h *Handler) BehaviorProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.svc.Profile(req.Events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ListRules returns the rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.Rules()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  len(rules),
		"source": "database",
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Rule(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Threshold   float64         `json:"threshold,omitempty"`
	Type        string          `json:"type"`
	Severity    domain.Severity `json:"severity"`
	Confidence  float64         `json:"confidence"`
	Weight      float64         `json:"weight"`
	Enabled     bool            `json:"enabled"`
}

// CreateRule validates a CEL rule and saves it for every case. Call
// POST /rules/reload to load it into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, fmt.Errorf("%w: id, name, and expression are required", domain.ErrValidation))
		return
	}
	severity := domain.Severity(strings.ToUpper(string(req.Severity)))
	if severity == "" {
		severity = domain.SeverityHigh
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Threshold:   req.Threshold,
		Type:        req.Type,
		Severity:    severity,
		Confidence:  req.Confidence,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}
	if err := h.svc.SaveRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all stored rules into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReloadRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// IngestRecords stores an evidence batch. Bad rows are skipped and listed
// in the summary.
func (h *Handler) IngestRecords(w http.ResponseWriter, r *http.Request) {
	var recs investigate.Records
	if err := decodeJSON(r, &recs); err != nil {
		writeError(w, err)
		return
	}
	if recs.Len() == 0 {
		writeError(w, fmt.Errorf("%w: batch is empty", domain.ErrValidation))
		return
	}
	summary, err := h.svc.IngestBatch(r.Context(), GetCaseID(r.Context()), recs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Build runs a case build. With ?async=true the request is queued on the
// bus and 202 is returned.
func (h *Handler) Build(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req domain.BuildRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.CaseID = GetCaseID(ctx)
	if req.TraceID == "" {
		req.TraceID = GetTraceID(ctx)
	}

	async, err := queryBool(r, "async")
	if err != nil {
		writeError(w, err)
		return
	}
	if async {
		h.enqueueBuild(w, r, req)
		return
	}

	res, err := h.svc.Build(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) enqueueBuild(w http.ResponseWriter, r *http.Request, req domain.BuildRequest) {
	if h.bus == nil {
		writeError(w, fmt.Errorf("%w: event bus not available", domain.ErrConnectivity))
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.bus.Publish(r.Context(), domain.DispatchCaseID, domain.TopicBuildRequested, payload); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("build queued", "case_id", req.CaseID, "incremental", req.Incremental, "trace_id", req.TraceID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "queued",
		"caseId":      req.CaseID,
		"incremental": req.Incremental,
		"traceId":     req.TraceID,
	})
}

// Identities returns the resolver snapshot of a case.
func (h *Handler) Identities(w http.ResponseWriter, r *http.Request) {
	part, err := h.svc.Identities(GetCaseID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

// ScorePair scores the co-presence of two persons.
func (h *Handler) ScorePair(w http.ResponseWriter, r *http.Request) {
	var req investigate.PairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	score, err := h.svc.PairScore(r.Context(), GetCaseID(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// Hypotheses runs the case hypothesis pass at ?sensitivity=.
func (h *Handler) Hypotheses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := GetCaseID(ctx)
	runs, err := h.svc.Hypotheses(ctx, caseID, investigate.HypothesesRequest{
		Sensitivity: domain.Sensitivity(strings.ToUpper(r.URL.Query().Get("sensitivity"))),
		TraceID:     GetTraceID(ctx),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"caseId": caseID,
		"runs":   runs,
		"count":  len(runs),
	})
}

// Runs lists the stored analysis runs of a case.
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.Runs(r.Context(), GetCaseID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// BehaviorAnalyze analyzes one user and raises an alert over threshold.
func (h *Handler) BehaviorAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req investigate.BehaviorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Sensitivity = domain.Sensitivity(strings.ToUpper(string(req.Sensitivity)))
	if req.TraceID == "" {
		req.TraceID = GetTraceID(ctx)
	}
	res, err := h.svc.BehaviorAnalyze(ctx, GetCaseID(ctx), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MobilityTimeline returns the stays, top stays and trips of a person.
func (h *Handler) MobilityTimeline(w http.ResponseWriter, r *http.Request) {
	var req investigate.MobilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.svc.MobilityTimeline(r.Context(), GetCaseID(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SafeHouseRequest is the request body for POST /places/safehouses.
type SafeHouseRequest struct {
	PersonID string `json:"personId"`
	Days     int    `json:"days,omitempty"`
}

// SafeHouses returns the night cells a person occupies repeatedly.
func (h *Handler) SafeHouses(w http.ResponseWriter, r *http.Request) {
	var req SafeHouseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	houses, err := h.svc.SafeHouses(r.Context(), GetCaseID(r.Context()), req.PersonID, req.Days)
	if err != nil {
		writeError(w, err)
		return
	}
	if houses == nil {
		houses = []domain.SafeHouse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"person":     req.PersonID,
		"safehouses": houses,
	})
}

// LinkCandidates returns the people sharing places or calls with ?seed=.
func (h *Handler) LinkCandidates(w http.ResponseWriter, r *http.Request) {
	k, err := queryInt(r, "k")
	if err != nil {
		writeError(w, err)
		return
	}
	cands, err := h.svc.LinkCandidates(r.Context(), GetCaseID(r.Context()), r.URL.Query().Get("seed"), k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

// SuspiciousPaths returns the shortest file-to-failure paths.
func (h *Handler) SuspiciousPaths(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	paths, err := h.svc.SuspiciousPaths(r.Context(), GetCaseID(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paths": paths,
		"count": len(paths),
	})
}

// VerifyCustody re-hashes a custody record. A mismatch is 409 with the
// expected and actual hashes.
func (h *Handler) VerifyCustody(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	v, err := h.svc.VerifyCustody(r.Context(), GetCaseID(r.Context()), artifactID)
	if errors.Is(err, domain.ErrIntegrity) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        err.Error(),
			"verification": v,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// TransferRequest is the request body for a custody hand-off.
type TransferRequest struct {
	Action    string `json:"action"`
	Custodian string `json:"custodian"`
}

// TransferCustody appends a hand-off to a custody record.
func (h *Handler) TransferCustody(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Action == "" || req.Custodian == "" {
		writeError(w, fmt.Errorf("%w: action and custodian are required", domain.ErrValidation))
		return
	}
	artifactID := chi.URLParam(r, "artifactID")
	if err := h.svc.TransferCustody(r.Context(), GetCaseID(r.Context()), artifactID, req.Action, req.Custodian); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "recorded",
		"artifactId": artifactID,
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrValidation, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrValidation, err)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrValidation, name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", domain.ErrValidation, name)
	}
	return b, nil
}

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrConnectivity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
