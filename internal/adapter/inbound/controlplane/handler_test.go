package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/toolgate/gateway/internal/adapter/outbound/changestream"
	"github.com/toolgate/gateway/internal/adapter/outbound/statestore"
	"github.com/toolgate/gateway/internal/config"
	"github.com/toolgate/gateway/internal/service"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	db, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	stream := changestream.New()
	store := service.NewPolicyStore(db, stream)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	gatewayToken := "gateway-token"
	hash, err := config.HashToken(gatewayToken)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	tokens := []config.TokenConfig{{Name: "test-gateway", Hash: hash, Capability: config.CapabilityGateway}}

	governance := service.NewGovernanceRegistry("")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(store, governance, nil, nil, tokens, logger)
	return h, gatewayToken
}

func evaluateRequest(h *Handler, token string, arguments map[string]any) map[string]string {
	body, _ := json.Marshal(map[string]any{
		"tool":       "delete_event",
		"caller":     "alice",
		"arguments":  arguments,
		"session_id": "sess-1",
	})
	req := httptest.NewRequest("POST", "/governance/mock-calendar/evaluate", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp
}

func TestEvaluateGovernance_FirstCallIsPending(t *testing.T) {
	h, token := newTestHandler(t)

	resp := evaluateRequest(h, token, map[string]any{"id": "1"})
	if resp["decision"] != "pending" {
		t.Fatalf("expected pending decision, got %+v", resp)
	}
	if resp["requestId"] == "" {
		t.Fatalf("expected a request id")
	}
}

func TestEvaluateGovernance_ApprovedThenAllow(t *testing.T) {
	h, token := newTestHandler(t)
	args := map[string]any{"id": "1"}

	pending := evaluateRequest(h, token, args)
	if pending["decision"] != "pending" {
		t.Fatalf("expected pending decision, got %+v", pending)
	}

	if err := h.governance.EngineFor("mock-calendar").Approve(pending["requestId"], "admin@acme.com"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	allowed := evaluateRequest(h, token, args)
	if allowed["decision"] != "allow" {
		t.Fatalf("expected allow after approval, got %+v", allowed)
	}
}

func TestEvaluateGovernance_RequiresToken(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest("POST", "/governance/mock-calendar/evaluate", bytes.NewReader([]byte(`{}`)))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}
