package service

import (
	"context"
	"testing"

	"github.com/toolgate/gateway/internal/adapter/outbound/statestore"
	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/port/outbound"
)

// recordingPublisher captures every change event so tests can assert on the
// revision sequence the store publishes.
type recordingPublisher struct {
	events []outbound.ChangeEvent
}

func (p *recordingPublisher) Publish(event outbound.ChangeEvent) {
	p.events = append(p.events, event)
}

func newTestStore(t *testing.T) (*PolicyStore, *recordingPublisher) {
	t.Helper()
	db, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pub := &recordingPublisher{}
	store := NewPolicyStore(db, pub)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return store, pub
}

func TestPolicyStore_ServiceAndToolLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.EnableService(ctx, "missing"); err != ErrUnknownService {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}

	if err := store.RegisterService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Registration starts disabled: the catalog must mask its tools.
	if err := store.RegisterTool(ctx, "mock-calendar", "list_events", catalog.TagOpen); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	if _, ok := store.GetBundleData().Catalog.Lookup("mock-calendar", "list_events"); ok {
		t.Fatal("disabled service must not resolve in catalog lookups")
	}

	if err := store.EnableService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	tag, ok := store.GetBundleData().Catalog.Lookup("mock-calendar", "list_events")
	if !ok || tag != catalog.TagOpen {
		t.Fatalf("expected open tool after enable, got %v %v", tag, ok)
	}

	if err := store.SetToolTag(ctx, "mock-calendar", "list_events", catalog.TagGated); err != nil {
		t.Fatalf("set tag: %v", err)
	}
	if tag, _ := store.GetBundleData().Catalog.Lookup("mock-calendar", "list_events"); tag != catalog.TagGated {
		t.Fatalf("expected gated after SetToolTag, got %v", tag)
	}
	if err := store.SetToolTag(ctx, "mock-calendar", "nope", catalog.TagOpen); err != ErrUnknownTool {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if err := store.SetToolTag(ctx, "mock-calendar", "list_events", catalog.Tag("secret")); err != catalog.ErrInvalidTag {
		t.Fatalf("expected ErrInvalidTag, got %v", err)
	}

	if err := store.RemoveTool(ctx, "mock-calendar", "list_events"); err != nil {
		t.Fatalf("remove tool: %v", err)
	}
	if _, ok := store.GetBundleData().Catalog.Lookup("mock-calendar", "list_events"); ok {
		t.Fatal("removed tool must not resolve")
	}
}

func TestPolicyStore_AccessRuleReplaceAndRemove(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rule := accessrule.Rule{
		ID:      "r1",
		Matcher: accessrule.Matcher{Type: accessrule.IdentityMatcherType, Identity: "jarvis@acme.com"},
		Allow:   accessrule.Allow{Services: []string{"mock-calendar"}, Tools: []string{"*"}},
	}
	if err := store.AddAccessRule(ctx, rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	// Same id replaces rather than duplicating.
	rule.Allow.Services = []string{"*"}
	if err := store.AddAccessRule(ctx, rule); err != nil {
		t.Fatalf("replace rule: %v", err)
	}
	rules := store.GetBundleData().AccessRules
	if len(rules) != 1 || rules[0].Allow.Services[0] != "*" {
		t.Fatalf("expected one replaced rule, got %+v", rules)
	}

	bad := accessrule.Rule{ID: "r2", Matcher: accessrule.Matcher{Type: "regex"}}
	if err := store.AddAccessRule(ctx, bad); err != accessrule.ErrInvalidMatcher {
		t.Fatalf("expected ErrInvalidMatcher, got %v", err)
	}

	if err := store.RemoveAccessRule(ctx, "r1"); err != nil {
		t.Fatalf("remove rule: %v", err)
	}
	if err := store.RemoveAccessRule(ctx, "r1"); err != ErrUnknownRule {
		t.Fatalf("expected ErrUnknownRule on second remove, got %v", err)
	}
}

func TestPolicyStore_RevocationToggle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.RevokeSubject(ctx, "jarvis@acme.com"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, revoked := store.GetBundleData().RevokedSubjects["jarvis@acme.com"]; !revoked {
		t.Fatal("expected subject revoked")
	}
	if err := store.ReinstateSubject(ctx, "jarvis@acme.com"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if _, revoked := store.GetBundleData().RevokedSubjects["jarvis@acme.com"]; revoked {
		t.Fatal("expected subject reinstated")
	}
}

func TestPolicyStore_EveryMutationPublishesIncreasingRevisions(t *testing.T) {
	store, pub := newTestStore(t)
	ctx := context.Background()

	if err := store.RegisterService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.EnableService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := store.AttachGovernance(ctx, "mock-calendar", "gov-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if len(pub.events) != 3 {
		t.Fatalf("expected 3 change events, got %d", len(pub.events))
	}
	for i := 1; i < len(pub.events); i++ {
		if pub.events[i].Revision <= pub.events[i-1].Revision {
			t.Fatalf("revisions not strictly increasing: %+v", pub.events)
		}
	}
	if got := store.GetBundleData().GovernanceInstances["mock-calendar"]; got != "gov-1" {
		t.Fatalf("expected governance instance bound, got %q", got)
	}
}

func TestPolicyStore_GetBundleDataIsIsolatedFromMutations(t *testing.T) {
	store, _ := newTestStore(t)
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

	snap := store.GetBundleData()
	if err := store.RemoveTool(ctx, "mock-calendar", "list_events"); err != nil {
		t.Fatalf("remove tool: %v", err)
	}
	if _, ok := snap.Catalog.Lookup("mock-calendar", "list_events"); !ok {
		t.Fatal("earlier snapshot must not observe a later mutation")
	}
}

func TestPolicyStore_StateSurvivesReload(t *testing.T) {
	db, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	first := NewPolicyStore(db, nil)
	if err := first.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := first.RegisterService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := first.EnableService(ctx, "mock-calendar"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := first.RevokeSubject(ctx, "mallory@acme.com"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	second := NewPolicyStore(db, nil)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	state := second.GetBundleData()
	if svc, ok := state.Catalog["mock-calendar"]; !ok || !svc.Enabled {
		t.Fatalf("expected persisted catalog entry, got %+v", state.Catalog)
	}
	if _, revoked := state.RevokedSubjects["mallory@acme.com"]; !revoked {
		t.Fatal("expected persisted revocation")
	}
}
