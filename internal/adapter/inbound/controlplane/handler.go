// Package controlplane is the admin-facing HTTP transport adapter: one
// endpoint per Policy Store operation, one per Service Governance
// operation, the gateway-role getBundleData read, and the
// policy-simulation and audit endpoints. Every route requires a bearer
// token; getBundleData and the governance evaluate endpoint require the
// gateway capability, every other route requires the admin capability.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/toolgate/gateway/internal/config"
	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/domain/decision"
	"github.com/toolgate/gateway/internal/domain/governance"
	"github.com/toolgate/gateway/internal/service"
)

// Handler serves the control-plane API.
type Handler struct {
	store      *service.PolicyStore
	governance *service.GovernanceRegistry
	decisions  *service.DecisionService
	audit      *service.AuditLog
	metrics    *service.Metrics
	auth       *Authenticator
	logger     *slog.Logger
}

func NewHandler(store *service.PolicyStore, governanceRegistry *service.GovernanceRegistry, decisions *service.DecisionService, audit *service.AuditLog, tokens []config.TokenConfig, logger *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		governance: governanceRegistry,
		decisions:  decisions,
		audit:      audit,
		auth:       NewAuthenticator(tokens),
		logger:     logger,
	}
}

// SetMetrics wires the governance counters; optional, called once during
// startup before Routes.
func (h *Handler) SetMetrics(m *service.Metrics) { h.metrics = m }

// Routes mounts every control-plane endpoint onto a fresh chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	admin := h.auth.Require(config.CapabilityAdmin)
	gateway := h.auth.Require(config.CapabilityGateway)

	r.With(admin).Post("/admin/api/v1/services", h.registerService)
	r.With(admin).Post("/admin/api/v1/services/{service}/enable", h.enableService)
	r.With(admin).Post("/admin/api/v1/services/{service}/disable", h.disableService)
	r.With(admin).Post("/admin/api/v1/services/{service}/tools", h.registerTool)
	r.With(admin).Put("/admin/api/v1/services/{service}/tools/{tool}/tag", h.setToolTag)
	r.With(admin).Delete("/admin/api/v1/services/{service}/tools/{tool}", h.removeTool)
	r.With(admin).Post("/admin/api/v1/services/{service}/governance", h.attachGovernance)

	r.With(admin).Post("/admin/api/v1/rules", h.addAccessRule)
	r.With(admin).Delete("/admin/api/v1/rules/{id}", h.removeAccessRule)

	r.With(admin).Post("/admin/api/v1/subjects/{subject}/revoke", h.revokeSubject)
	r.With(admin).Post("/admin/api/v1/subjects/{subject}/reinstate", h.reinstateSubject)

	r.With(gateway).Get("/admin/api/v1/bundle", h.getBundleData)
	r.With(admin).Get("/admin/api/v1/bundle/export", h.exportBundleYAML)

	r.With(admin).Get("/admin/api/v1/services/{service}/governance/pending", h.listPending)
	r.With(admin).Get("/admin/api/v1/services/{service}/governance/queued", h.listQueuedForExecution)
	r.With(admin).Get("/admin/api/v1/services/{service}/governance/{requestID}/result", h.executionResult)
	r.With(admin).Post("/admin/api/v1/services/{service}/governance/{requestID}/approve", h.approve)
	r.With(admin).Post("/admin/api/v1/services/{service}/governance/{requestID}/deny", h.deny)

	r.With(admin).Post("/admin/api/v1/policy/evaluate", h.simulatePolicy)
	r.With(admin).Get("/admin/api/v1/audit", h.recentAudit)

	// Not under /admin/api/v1: this is the out-of-process governance
	// evaluation endpoint that internal/adapter/outbound/governanceclient
	// posts to when a Decision Engine is configured with an evaluator URL
	// pointing at this process.
	r.With(gateway).Post("/governance/{service}/evaluate", h.evaluateGovernance)

	return r
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) registerService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service string `json:"service"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.RegisterService(r.Context(), req.Service); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) enableService(w http.ResponseWriter, r *http.Request) {
	h.setServiceEnabled(w, r, true)
}

func (h *Handler) disableService(w http.ResponseWriter, r *http.Request) {
	h.setServiceEnabled(w, r, false)
}

func (h *Handler) setServiceEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	svc := chi.URLParam(r, "service")
	var err error
	if enabled {
		err = h.store.EnableService(r.Context(), svc)
	} else {
		err = h.store.DisableService(r.Context(), svc)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) registerTool(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	var req struct {
		Tool string      `json:"tool"`
		Tag  catalog.Tag `json:"tag"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.RegisterTool(r.Context(), svc, req.Tool, req.Tag); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) setToolTag(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	tool := chi.URLParam(r, "tool")
	var req struct {
		Tag catalog.Tag `json:"tag"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.SetToolTag(r.Context(), svc, tool, req.Tag); err != nil {
		status := http.StatusBadRequest
		if err == service.ErrUnknownService || err == service.ErrUnknownTool {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) removeTool(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	tool := chi.URLParam(r, "tool")
	if err := h.store.RemoveTool(r.Context(), svc, tool); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) attachGovernance(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	var req struct {
		GovernanceID string `json:"governanceId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.GovernanceID == "" {
		req.GovernanceID = service.NewGovernanceID()
	}
	if err := h.store.AttachGovernance(r.Context(), svc, req.GovernanceID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "governanceId": req.GovernanceID})
}

// ruleRequest is the JSON request shape for addAccessRule; it stays
// separate from accessrule.Rule so the domain package carries no JSON tags.
type ruleRequest struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Claims   map[string]string `json:"claims,omitempty"`
	Identity string            `json:"identity,omitempty"`
	Services []string          `json:"services"`
	Tools    []string          `json:"tools"`
}

func (h *Handler) addAccessRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule := accessrule.Rule{
		ID: req.ID,
		Matcher: accessrule.Matcher{
			Type:     accessrule.MatcherType(req.Type),
			Claims:   req.Claims,
			Identity: req.Identity,
		},
		Allow: accessrule.Allow{Services: req.Services, Tools: req.Tools},
	}
	if err := h.store.AddAccessRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) removeAccessRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RemoveAccessRule(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) revokeSubject(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if err := h.store.RevokeSubject(r.Context(), subject); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reinstateSubject(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if err := h.store.ReinstateSubject(r.Context(), subject); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getBundleData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.GetBundleData())
}

// exportBundleYAML renders the currently published bundle snapshot as YAML,
// an operator-facing convenience over the JSON getBundleData read. It
// reports the Bundle Builder's live view (with revision and evaluator URL
// attached) when a snapshot is published, and otherwise falls back to the
// raw store state without revision or evaluator URL.
func (h *Handler) exportBundleYAML(w http.ResponseWriter, r *http.Request) {
	type export struct {
		Revision               uint64            `yaml:"revision"`
		Catalog                catalog.Catalog   `yaml:"catalog"`
		AccessRules            []accessrule.Rule `yaml:"access_rules"`
		RevokedSubjects        []string          `yaml:"revoked_subjects"`
		GovernanceInstances    map[string]string `yaml:"governance_instances"`
		GovernanceEvaluatorURL string            `yaml:"governance_evaluator_url,omitempty"`
	}

	var out export
	if h.decisions != nil {
		if snap := h.decisions.CurrentBundle(); snap != nil {
			out = export{
				Revision:               snap.Revision,
				Catalog:                snap.Catalog,
				AccessRules:            snap.AccessRules,
				RevokedSubjects:        sortedSubjects(snap.RevokedSubjects),
				GovernanceInstances:    snap.GovernanceInstances,
				GovernanceEvaluatorURL: snap.GovernanceEvaluatorURL,
			}
		}
	}
	if out.Catalog == nil {
		state := h.store.GetBundleData()
		out = export{
			Catalog:             state.Catalog,
			AccessRules:         state.AccessRules,
			RevokedSubjects:     sortedSubjects(state.RevokedSubjects),
			GovernanceInstances: state.GovernanceInstances,
		}
	}

	raw, err := yaml.Marshal(out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode bundle")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func sortedSubjects(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	pending := h.governance.EngineFor(svc).ListPending()
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

func (h *Handler) listQueuedForExecution(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	queued := h.governance.EngineFor(svc).ListQueuedForExecution()
	writeJSON(w, http.StatusOK, map[string]any{"requests": queued})
}

func (h *Handler) executionResult(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	requestID := chi.URLParam(r, "requestID")
	res, err := h.governance.EngineFor(svc).ExecutionResult(requestID)
	switch err {
	case nil:
	case governance.ErrNotFound:
		writeError(w, http.StatusNotFound, err.Error())
		return
	case governance.ErrInvalidState:
		writeError(w, http.StatusConflict, "request is still pending")
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	requestID := chi.URLParam(r, "requestID")
	var req struct {
		Approver string `json:"approver"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.governance.EngineFor(svc).Approve(requestID, req.Approver); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.recordDecision("approved")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	requestID := chi.URLParam(r, "requestID")
	var req struct {
		Approver string `json:"approver"`
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.governance.EngineFor(svc).Deny(requestID, req.Approver, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.recordDecision("denied")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordDecision updates the governance counters after a terminal
// transition; no-op when metrics aren't wired (tests).
func (h *Handler) recordDecision(decision string) {
	if h.metrics == nil {
		return
	}
	h.metrics.GovernanceDecided.WithLabelValues(decision).Inc()
	h.metrics.GovernancePending.Set(float64(h.governance.PendingCount()))
}

// evaluateGovernance is the server side of governanceclient.Client.Evaluate:
// an out-of-process Decision Engine posts a gated tool call here and gets
// back the same allow/pending/deny decision the in-process engine would
// have returned to a local caller.
func (h *Handler) evaluateGovernance(w http.ResponseWriter, r *http.Request) {
	svc := chi.URLParam(r, "service")
	var req struct {
		Tool      string          `json:"tool"`
		Caller    string          `json:"caller"`
		Claims    map[string]any  `json:"claims"`
		Arguments map[string]any  `json:"arguments"`
		SessionID string          `json:"session_id"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	verdict, err := h.governance.EngineFor(svc).Evaluate(req.Caller, req.Tool, req.Claims, req.Arguments, req.SessionID, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.GovernancePending.Set(float64(h.governance.PendingCount()))
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"decision":  string(verdict.Kind),
		"requestId": verdict.RequestID,
		"message":   verdict.Message,
	})
}

// simulatePolicy runs a hypothetical tools/call through the Decision
// Engine's pure pipeline without routing anywhere -- a dry-run for admins
// checking a rule change before it affects live traffic.
func (h *Handler) simulatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service   string         `json:"service"`
		Tool      string         `json:"tool"`
		Claims    map[string]any `json:"claims"`
		Arguments map[string]any `json:"arguments"`
		SessionID string         `json:"sessionId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	snap := h.decisions.CurrentBundle()
	if snap == nil {
		writeJSON(w, http.StatusOK, decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonNoBundle})
		return
	}

	result, err := h.decisions.Simulate(r.Context(), decision.Request{
		Service:   req.Service,
		Tool:      req.Tool,
		Claims:    req.Claims,
		Arguments: req.Arguments,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) recentAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []service.AuditRecord{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": h.audit.Recent(200)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// GC runs a background sweep of resolved governance requests, called on a
// ticker from the gateway's startup wiring per the configured retention.
func (h *Handler) GC(ctx context.Context, olderThan time.Duration) int {
	return h.governance.GC(olderThan)
}
