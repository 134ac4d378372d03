package decision

import (
	"context"
	"testing"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/bundle"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/domain/governance"
)

type identityOnlyEvaluator struct{}

func (identityOnlyEvaluator) Matches(_ context.Context, claims map[string]any, required map[string]string) (bool, error) {
	for k, v := range required {
		if claims[k] != v {
			return false, nil
		}
	}
	return true, nil
}

func baseSnapshot() *bundle.Snapshot {
	return &bundle.Snapshot{
		Revision: 1,
		Catalog: catalog.Catalog{
			"mock-calendar": {Name: "mock-calendar", Enabled: true, Tools: map[string]catalog.Tag{
				"list_events":  catalog.TagOpen,
				"delete_event": catalog.TagGated,
			}},
		},
		AccessRules: []accessrule.Rule{
			{
				ID:      "r1",
				Matcher: accessrule.Matcher{Type: accessrule.IdentityMatcherType, Identity: "jarvis@acme.com"},
				Allow:   accessrule.Allow{Services: []string{"mock-calendar"}, Tools: []string{"*"}},
			},
		},
		RevokedSubjects:     map[string]struct{}{"revoked@acme.com": {}},
		GovernanceInstances: map[string]string{"mock-calendar": "gov-1"},
	}
}

func reqFor(tool string) Request {
	return Request{
		Service:   "mock-calendar",
		Tool:      tool,
		Claims:    map[string]any{"sub": "jarvis@acme.com"},
		SessionID: "sess-1",
		Arguments: map[string]any{"date": "2026-08-01"},
	}
}

func noGovernance(string) (GovernanceCaller, bool) { return nil, false }

func TestEvaluate_NoBundleDeniesEverything(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	res, err := e.Evaluate(context.Background(), nil, noGovernance, reqFor("list_events"))
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonNoBundle {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_MissingIdentityDenies(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	req := reqFor("list_events")
	req.Claims = map[string]any{"aud": "x"}
	res, err := e.Evaluate(context.Background(), baseSnapshot(), noGovernance, req)
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonMissingIdentity {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_UnknownToolDenies(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	req := reqFor("not_a_tool")
	res, err := e.Evaluate(context.Background(), baseSnapshot(), noGovernance, req)
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonUnknownTool {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_RevokedSubjectDenies(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	req := reqFor("list_events")
	req.Claims = map[string]any{"sub": "revoked@acme.com"}
	snap := baseSnapshot()
	snap.AccessRules = append(snap.AccessRules, accessrule.Rule{
		ID:      "r2",
		Matcher: accessrule.Matcher{Type: accessrule.IdentityMatcherType, Identity: "revoked@acme.com"},
		Allow:   accessrule.Allow{Services: []string{"*"}, Tools: []string{"*"}},
	})
	res, err := e.Evaluate(context.Background(), snap, noGovernance, req)
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonRevokedSubject {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_NoMatchingRuleDenies(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	req := reqFor("list_events")
	req.Claims = map[string]any{"sub": "stranger@acme.com"}
	res, err := e.Evaluate(context.Background(), baseSnapshot(), noGovernance, req)
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonNoMatchingRule {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_OpenToolAllows(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	res, err := e.Evaluate(context.Background(), baseSnapshot(), noGovernance, reqFor("list_events"))
	if err != nil || res.Outcome != OutcomeAllow {
		t.Fatalf("got %+v err=%v", res, err)
	}
	if len(res.GrantedServices) != 1 || res.GrantedServices[0] != "mock-calendar" {
		t.Fatalf("expected granted services [mock-calendar], got %v", res.GrantedServices)
	}
}

type fakeGovernanceCaller struct {
	decision governance.Decision
	err      error
}

func (f fakeGovernanceCaller) Evaluate(caller, tool string, claims, arguments map[string]any, sessionID string, payload []byte) (governance.Decision, error) {
	return f.decision, f.err
}

func TestEvaluate_GatedToolConsultsGovernance(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	lookup := func(service string) (GovernanceCaller, bool) {
		return fakeGovernanceCaller{decision: governance.Decision{Kind: governance.KindPending, RequestID: "req-1"}}, true
	}
	res, err := e.Evaluate(context.Background(), baseSnapshot(), lookup, reqFor("delete_event"))
	if err != nil || res.Outcome != OutcomePending || res.GovernanceRequestID != "req-1" {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_GatedToolWithoutGovernanceInstanceDenies(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	snap := baseSnapshot()
	snap.GovernanceInstances = nil
	lookup := func(service string) (GovernanceCaller, bool) {
		t.Fatalf("governance should not be consulted when no instance is bound")
		return nil, false
	}
	res, err := e.Evaluate(context.Background(), snap, lookup, reqFor("delete_event"))
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonGovernanceUnavailable {
		t.Fatalf("got %+v err=%v", res, err)
	}
}

func TestEvaluate_GatedToolWithInstanceButNoCallerDenies(t *testing.T) {
	e := NewEngine(identityOnlyEvaluator{})
	res, err := e.Evaluate(context.Background(), baseSnapshot(), noGovernance, reqFor("delete_event"))
	if err != nil || res.Outcome != OutcomeDeny || res.Reason != ReasonGovernanceUnavailable {
		t.Fatalf("got %+v err=%v", res, err)
	}
}
