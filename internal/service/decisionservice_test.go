package service

import (
	"context"
	"testing"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
)

// mapEqualityEvaluator is a minimal ClaimEvaluator double: plain string
// equality per required pair, no CEL runtime.
type mapEqualityEvaluator struct{}

func (mapEqualityEvaluator) Matches(_ context.Context, claims map[string]any, required map[string]string) (bool, error) {
	for k, v := range required {
		if claims[k] != v {
			return false, nil
		}
	}
	return true, nil
}

func seedGrantedServicesState(t *testing.T, store *PolicyStore) {
	t.Helper()
	ctx := context.Background()
	if err := store.RegisterService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.EnableService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := store.RegisterTool(ctx, "mock-calendar", "list_events", catalog.TagOpen); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	if err := store.AddAccessRule(ctx, accessrule.Rule{
		ID: "sales",
		Matcher: accessrule.Matcher{
			Type:   accessrule.ClaimsMatcherType,
			Claims: map[string]string{"organization": "acme"},
		},
		Allow: accessrule.Allow{Services: []string{"mock-calendar"}, Tools: []string{"*"}},
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
}

func TestGrantedServices_NilWithoutBundle(t *testing.T) {
	store, _ := newTestStore(t)
	seedGrantedServicesState(t, store)

	// Builder constructed but never started: CurrentBundle stays nil.
	bundles := NewBundleBuilder(store, stalledSubscriber{})
	decisions := NewDecisionService(mapEqualityEvaluator{}, bundles, NewGovernanceRegistry(""), nil)

	claims := map[string]any{"sub": "jarvis@acme.com", "organization": "acme"}
	if granted := decisions.GrantedServices(context.Background(), claims); granted != nil {
		t.Fatalf("expected nil granted set without a bundle, got %v", granted)
	}
}

func TestGrantedServices_NilWithoutResolvableIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	seedGrantedServicesState(t, store)

	bundles := NewBundleBuilder(store, stalledSubscriber{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bundles.Start(ctx)
	waitForSnapshot(t, bundles)

	decisions := NewDecisionService(mapEqualityEvaluator{}, bundles, NewGovernanceRegistry(""), nil)

	// The claims-matcher rule would fire on organization alone, but a caller
	// with no email/preferred_username/sub has no subject identity and is
	// denied on every tool call, so it must not be granted anything here
	// either.
	claims := map[string]any{"organization": "acme"}
	if granted := decisions.GrantedServices(context.Background(), claims); granted != nil {
		t.Fatalf("expected nil granted set without an identity, got %v", granted)
	}

	claims["sub"] = "jarvis@acme.com"
	granted := decisions.GrantedServices(context.Background(), claims)
	if len(granted) != 1 || granted[0] != "mock-calendar" {
		t.Fatalf("expected [mock-calendar] once identity resolves, got %v", granted)
	}
}
