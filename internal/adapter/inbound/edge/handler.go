// Package edge is the agent-facing HTTP transport adapter: POST/GET/DELETE
// /mcp, GET /health, and the OAuth discovery passthrough endpoints. It
// classifies each request (stream-setup / meta-call / tool-call),
// authenticates and authorizes it through service.DecisionService, and on
// allow routes it through service.AggregatorService.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/toolgate/gateway/internal/domain/aggregator"
	"github.com/toolgate/gateway/internal/domain/decision"
	"github.com/toolgate/gateway/internal/service"
	"github.com/toolgate/gateway/pkg/mcp"
)

// MCPProtocolVersion is the MCP protocol version this handler advertises.
const MCPProtocolVersion = "2025-06-18"

// Header names shared by request and response composition.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderUserID          = "x-user-id"
	HeaderService         = "x-mcp-service"
	HeaderBundleRevision  = "x-bundle-revision"
	HeaderGrantedServices = "x-granted-services"
	HeaderAuthzReason     = "x-authz-reason"
	HeaderRequestID       = "x-request-id"
)

// Config bundles the tunables LoadConfig produces; Handler doesn't import
// internal/config to avoid a dependency cycle with cmd/toolgate wiring, so
// the values are copied in at construction time.
type Config struct {
	MaxRequestBodyBytes  int64
	SSEKeepAlive         time.Duration
	ProtectedResourceURL string
	IssuerURL            string
	ServiceName          string
}

// Handler serves the agent-facing MCP transport.
type Handler struct {
	decisions  *service.DecisionService
	aggregator *service.AggregatorService
	metrics    *service.Metrics
	audit      *service.AuditLog
	logger     *slog.Logger
	cfg        Config
}

func NewHandler(decisions *service.DecisionService, aggregator *service.AggregatorService, metrics *service.Metrics, audit *service.AuditLog, logger *slog.Logger, cfg Config) *Handler {
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.SSEKeepAlive == 0 {
		cfg.SSEKeepAlive = 30 * time.Second
	}
	return &Handler{decisions: decisions, aggregator: aggregator, metrics: metrics, audit: audit, logger: logger, cfg: cfg}
}

// Routes mounts every edge endpoint onto a fresh chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.metricsMiddleware)
	r.Post("/mcp", h.handlePost)
	r.Get("/mcp", h.handleGet)
	r.Delete("/mcp", h.handleDelete)
	r.Options("/mcp", h.handleOptions)
	r.Get("/health", h.handleHealth)
	r.Get("/.well-known/oauth-protected-resource", h.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-authorization-server", h.handleAuthorizationServerMetadata)
	return r
}

// metricsMiddleware records request counts and latency per HTTP request
// method (POST/GET/DELETE); it does not label by JSON-RPC method.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		status := "ok"
		if rec.status >= 400 {
			status = "error"
		}
		h.metrics.RequestsTotal.WithLabelValues(r.Method, status).Inc()
		h.metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// bearerToken extracts the token from an "Authorization: Bearer <jwt>"
// header, or "" if absent/malformed.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// writeUnauthenticated writes a 401 with a WWW-Authenticate challenge
// pointing at the protected-resource metadata.
func (h *Handler) writeUnauthenticated(w http.ResponseWriter) {
	if h.cfg.ProtectedResourceURL != "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, h.cfg.ProtectedResourceURL))
	} else {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.Header().Set(HeaderAuthzReason, "missing or invalid token")
	w.WriteHeader(http.StatusUnauthorized)
}

// handlePost processes JSON-RPC messages: initialize, notifications/*,
// tools/list, and tools/call.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodyBytes)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, nil, mcp.ErrCodeParse, "request body too large or unreadable")
		return
	}
	envelope, decodeErr := mcp.Decode(body)
	var idRaw json.RawMessage
	if envelope != nil {
		idRaw = envelope.RawID()
	}

	token := bearerToken(r)
	subject, claims, authErr := h.decisions.Authenticate(token)
	if authErr != nil {
		h.writeUnauthenticated(w)
		return
	}

	// A body that fails to parse as JSON-RPC is treated as stream-setup --
	// authenticated is enough to allow.
	if decodeErr != nil || envelope.Request() == nil {
		w.Header().Set(HeaderProtocolVersion, MCPProtocolVersion)
		w.Header().Set(HeaderUserID, subject)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	method := envelope.Method()
	isNotification := idRaw == nil

	if method == "tools/call" {
		h.handleToolCall(w, r, envelope, idRaw, isNotification, subject, claims, token)
		return
	}
	h.handleMetaCall(w, r, envelope, idRaw, isNotification, method, subject, claims)
}

// handleMetaCall serves every JSON-RPC method except tools/call: allow once
// authenticated, then route through the aggregator.
func (h *Handler) handleMetaCall(w http.ResponseWriter, r *http.Request, envelope *mcp.Envelope, idRaw json.RawMessage, isNotification bool, method, subject string, claims map[string]any) {
	ctx := r.Context()
	w.Header().Set(HeaderProtocolVersion, MCPProtocolVersion)
	w.Header().Set(HeaderUserID, subject)
	if snap := h.decisions.CurrentBundle(); snap != nil {
		w.Header().Set(HeaderBundleRevision, fmt.Sprintf("%d", snap.Revision))
	}

	switch method {
	case "initialize":
		clientSessionID, caps, err := h.aggregator.Initialize(ctx)
		if err != nil {
			writeRPCError(w, idRaw, mcp.ErrCodeInternal, "no backends available")
			return
		}
		w.Header().Set(HeaderSessionID, clientSessionID)
		if h.metrics != nil {
			h.metrics.ActiveSessions.Set(float64(h.aggregator.ActiveSessions()))
		}
		if isNotification {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResult(w, idRaw, map[string]any{"capabilities": caps, "protocolVersion": MCPProtocolVersion})
		return

	case "notifications/initialized":
		if sessionID := r.Header.Get(HeaderSessionID); sessionID != "" {
			h.aggregator.NotifyInitialized(ctx, sessionID)
		}
		w.WriteHeader(http.StatusNoContent)
		return

	case "tools/list":
		// Fail-closed like the tool-call path: without a bundle, or with a
		// bundle that grants this caller nothing, no backend catalog is
		// exposed. A nil granted set must never reach the aggregator, where
		// it would mean "don't filter".
		granted := h.decisions.GrantedServices(ctx, claims)
		if h.decisions.CurrentBundle() == nil || len(granted) == 0 {
			if isNotification {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			writeResult(w, idRaw, map[string]any{"tools": []aggregator.NamespacedTool{}})
			return
		}
		w.Header().Set(HeaderGrantedServices, strings.Join(granted, ","))
		sessionID := r.Header.Get(HeaderSessionID)
		tools, err := h.aggregator.ListTools(ctx, sessionID, granted)
		if err != nil {
			writeRPCError(w, idRaw, mcp.ErrCodeInvalidParams, "unknown session")
			return
		}
		if isNotification {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResult(w, idRaw, map[string]any{"tools": tools})
		return

	default:
		if isNotification {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResult(w, idRaw, map[string]any{})
	}
}

// handleToolCall runs the full three-layer authorization pipeline (plus
// governance for gated tools) before routing to the aggregator.
func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request, envelope *mcp.Envelope, idRaw json.RawMessage, isNotification bool, subject string, claims map[string]any, token string) {
	ctx := r.Context()
	params, err := envelope.ParseToolCall()
	if err != nil {
		writeRPCError(w, idRaw, mcp.ErrCodeInvalidParams, "malformed tools/call params")
		return
	}

	svc, tool, ok := mcp.SplitNamespacedTool(params.Name)
	if !ok {
		w.Header().Set(HeaderAuthzReason, "must be namespaced")
		writeRPCError(w, idRaw, mcp.ErrCodeInvalidParams, "tool name must be namespaced as service.tool")
		if h.metrics != nil {
			h.metrics.DecisionsTotal.WithLabelValues(string(decision.OutcomeDeny), decision.ReasonNotNamespaced).Inc()
		}
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	req := decision.Request{
		Service:        svc,
		Tool:           tool,
		Claims:         claims,
		SessionID:      sessionID,
		Arguments:      params.Arguments,
		RequestPayload: envelope.Raw,
	}

	result, err := h.decisions.EvaluateToolCall(ctx, token, req)
	if err != nil {
		writeRPCError(w, idRaw, mcp.ErrCodeInternal, "decision engine error")
		return
	}

	if h.metrics != nil {
		h.metrics.DecisionsTotal.WithLabelValues(string(result.Outcome), result.Reason).Inc()
	}
	if h.audit != nil {
		h.audit.Record(service.AuditRecord{
			At: time.Now(), Identity: result.Identity, Service: svc, Tool: tool,
			Outcome: result.Outcome, Reason: result.Reason, GovernanceRequestID: result.GovernanceRequestID,
		})
	}

	w.Header().Set(HeaderUserID, result.Identity)
	w.Header().Set(HeaderService, svc)
	if snap := h.decisions.CurrentBundle(); snap != nil {
		w.Header().Set(HeaderBundleRevision, fmt.Sprintf("%d", snap.Revision))
	}

	switch result.Outcome {
	case decision.OutcomeAllow:
		raw, err := h.aggregator.CallTool(ctx, sessionID, params.Name, params.Arguments)
		if errors.Is(err, aggregator.ErrUnknownService) {
			writeRPCErrorStatus(w, http.StatusBadRequest, idRaw, mcp.ErrCodeInvalidParams, fmt.Sprintf("unknown service %q", svc))
			return
		}
		if err != nil {
			if h.metrics != nil {
				h.metrics.BackendErrorsTotal.WithLabelValues(svc, "tools/call").Inc()
			}
			writeRPCErrorStatus(w, http.StatusBadGateway, idRaw, mcp.ErrCodeInternal, "backend call failed")
			return
		}
		if isNotification {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		b, err := mcp.ResultResponse(idRaw, json.RawMessage(raw))
		if err != nil {
			writeRPCError(w, idRaw, mcp.ErrCodeInternal, "failed to encode result")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)

	case decision.OutcomePending:
		w.Header().Set(HeaderAuthzReason, fmt.Sprintf("Gated tool pending: %s", result.GovernanceRequestID))
		w.Header().Set(HeaderRequestID, result.GovernanceRequestID)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write(mcp.ErrorResponse(idRaw, mcp.ErrCodeInvalidRequest, "approval pending"))

	default: // deny
		w.Header().Set(HeaderAuthzReason, denyReasonMessage(result))
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write(mcp.ErrorResponse(idRaw, mcp.ErrCodeInvalidRequest, denyReasonMessage(result)))
	}
}

// denyReasonMessage maps a deny Result to a human-readable reason string.
func denyReasonMessage(result decision.Result) string {
	switch result.Reason {
	case decision.ReasonRevokedSubject:
		return fmt.Sprintf("User '%s' is revoked", result.Identity)
	case decision.ReasonUnknownTool:
		return "Service/tool not in catalog"
	case decision.ReasonNoMatchingRule:
		return "User not authorized by any rule"
	case decision.ReasonGovernanceDenied:
		if result.Message != "" {
			return fmt.Sprintf("Gated tool denied: %s", result.Message)
		}
		return "Gated tool denied"
	case decision.ReasonGovernanceUnavailable:
		return "policy unreachable"
	case decision.ReasonNoBundle:
		return "no policy bundle loaded"
	case decision.ReasonMissingIdentity:
		return "missing or invalid token"
	default:
		return string(result.Reason)
	}
}

// handleGet opens the SSE stream for server-initiated messages, classified
// as stream-setup.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	token := bearerToken(r)
	subject, _, err := h.decisions.Authenticate(token)
	if err != nil {
		h.writeUnauthenticated(w)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ch, cancel, err := h.aggregator.OpenStream(ctx, sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderProtocolVersion, MCPProtocolVersion)
	w.Header().Set(HeaderSessionID, sessionID)
	w.Header().Set(HeaderUserID, subject)
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(h.cfg.SSEKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// handleDelete tears a session down on every backend.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	h.aggregator.DeleteSession(r.Context(), sessionID)
	if h.metrics != nil {
		h.metrics.ActiveSessions.Set(float64(h.aggregator.ActiveSessions()))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness plus active session count.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := map[string]any{
		"status":         "healthy",
		"service":        h.cfg.ServiceName,
		"backends":       h.aggregator.Backends(),
		"activeSessions": h.aggregator.ActiveSessions(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleProtectedResourceMetadata advertises this gateway as an
// OAuth-protected resource pointing at the configured authorization server.
func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"resource":              h.cfg.ProtectedResourceURL,
		"authorization_servers": []string{h.cfg.IssuerURL},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleAuthorizationServerMetadata proxies the OIDC issuer's discovery
// document verbatim.
func (h *Handler) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if h.cfg.IssuerURL == "" {
		http.Error(w, "no OIDC issuer configured", http.StatusNotFound)
		return
	}
	doc, err := fetchDiscoveryDocument(r.Context(), h.cfg.IssuerURL)
	if err != nil {
		http.Error(w, "authorization server unreachable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func fetchDiscoveryDocument(ctx context.Context, issuerURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("edge: upstream discovery document fetch failed")
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int64, message string) {
	writeRPCErrorStatus(w, http.StatusOK, id, code, message)
}

func writeRPCErrorStatus(w http.ResponseWriter, status int, id json.RawMessage, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(mcp.ErrorResponse(id, code, message))
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	b, err := mcp.ResultResponse(id, result)
	if err != nil {
		writeRPCError(w, id, mcp.ErrCodeInternal, "failed to encode result")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
