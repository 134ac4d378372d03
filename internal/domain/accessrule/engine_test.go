package accessrule

import (
	"context"
	"testing"
)

// mapClaimEvaluator is a test double that matches the real semantics
// directly (no CEL), so engine tests don't depend on the adapter package.
type mapClaimEvaluator struct{}

func (mapClaimEvaluator) Matches(_ context.Context, claims map[string]any, required map[string]string) (bool, error) {
	for k, v := range required {
		val, ok := claims[k]
		if !ok {
			return false, nil
		}
		switch cv := val.(type) {
		case string:
			if cv != v {
				return false, nil
			}
		case []string:
			found := false
			for _, item := range cv {
				if item == v {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case []any:
			found := false
			for _, item := range cv {
				if s, ok := item.(string); ok && s == v {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, nil
		}
	}
	return true, nil
}

func TestEvaluate_ClaimsMatcherAllows(t *testing.T) {
	rules := []Rule{
		{
			ID: "sales-calendar",
			Matcher: Matcher{
				Type:   ClaimsMatcherType,
				Claims: map[string]string{"organization": "acme", "department": "sales"},
			},
			Allow: Allow{Services: []string{"mock-calendar"}, Tools: []string{"*"}},
		},
	}
	claims := map[string]any{"organization": "acme", "department": "sales"}

	ok, rule, err := Evaluate(context.Background(), rules, "jarvis@acme.com", claims, "mock-calendar", "list_events", mapClaimEvaluator{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || rule == nil || rule.ID != "sales-calendar" {
		t.Fatalf("expected match on sales-calendar, got ok=%v rule=%v", ok, rule)
	}
}

func TestEvaluate_ClaimsMatcherArrayContains(t *testing.T) {
	rules := []Rule{
		{
			ID:      "r1",
			Matcher: Matcher{Type: ClaimsMatcherType, Claims: map[string]string{"team": "sales"}},
			Allow:   Allow{Services: []string{"*"}, Tools: []string{"*"}},
		},
	}
	claims := map[string]any{"team": []string{"eng", "sales"}}

	ok, _, err := Evaluate(context.Background(), rules, "u1", claims, "svc", "tool", mapClaimEvaluator{})
	if err != nil || !ok {
		t.Fatalf("expected array-contains match, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluate_NoRuleMatches(t *testing.T) {
	rules := []Rule{
		{
			ID:      "r1",
			Matcher: Matcher{Type: ClaimsMatcherType, Claims: map[string]string{"organization": "other"}},
			Allow:   Allow{Services: []string{"*"}, Tools: []string{"*"}},
		},
	}
	claims := map[string]any{"organization": "acme"}

	ok, rule, err := Evaluate(context.Background(), rules, "u1", claims, "svc", "tool", mapClaimEvaluator{})
	if err != nil || ok || rule != nil {
		t.Fatalf("expected no match, got ok=%v rule=%v err=%v", ok, rule, err)
	}
}

func TestEvaluate_IdentityMatcher(t *testing.T) {
	rules := []Rule{
		{
			ID:      "vip",
			Matcher: Matcher{Type: IdentityMatcherType, Identity: "jarvis@acme.com"},
			Allow:   Allow{Services: []string{"mock-calendar"}, Tools: []string{"create_event"}},
		},
	}

	ok, _, err := Evaluate(context.Background(), rules, "jarvis@acme.com", nil, "mock-calendar", "create_event", mapClaimEvaluator{})
	if err != nil || !ok {
		t.Fatalf("expected identity match, got ok=%v err=%v", ok, err)
	}

	ok, _, err = Evaluate(context.Background(), rules, "someone-else@acme.com", nil, "mock-calendar", "create_event", mapClaimEvaluator{})
	if err != nil || ok {
		t.Fatalf("expected no match for different identity, got ok=%v", ok)
	}
}

func TestEvaluate_AllowListRespectsServiceAndTool(t *testing.T) {
	rules := []Rule{
		{
			ID:      "r1",
			Matcher: Matcher{Type: ClaimsMatcherType, Claims: map[string]string{"org": "acme"}},
			Allow:   Allow{Services: []string{"mock-calendar"}, Tools: []string{"list_events"}},
		},
	}
	claims := map[string]any{"org": "acme"}

	ok, _, _ := Evaluate(context.Background(), rules, "u1", claims, "mock-calendar", "create_event", mapClaimEvaluator{})
	if ok {
		t.Fatal("expected no match: tool not in allow list")
	}
	ok, _, _ = Evaluate(context.Background(), rules, "u1", claims, "duckduckgo", "list_events", mapClaimEvaluator{})
	if ok {
		t.Fatal("expected no match: service not in allow list")
	}
}

func TestRule_Validate(t *testing.T) {
	cases := []struct {
		name    string
		rule    Rule
		wantErr error
	}{
		{"missing id", Rule{Matcher: Matcher{Type: IdentityMatcherType, Identity: "x"}, Allow: Allow{Services: []string{"*"}, Tools: []string{"*"}}}, ErrEmptyID},
		{"empty claims", Rule{ID: "a", Matcher: Matcher{Type: ClaimsMatcherType}, Allow: Allow{Services: []string{"*"}, Tools: []string{"*"}}}, ErrInvalidMatcher},
		{"unknown matcher", Rule{ID: "a", Matcher: Matcher{Type: "bogus"}, Allow: Allow{Services: []string{"*"}, Tools: []string{"*"}}}, ErrInvalidMatcher},
		{"empty allow", Rule{ID: "a", Matcher: Matcher{Type: IdentityMatcherType, Identity: "x"}}, ErrEmptyAllow},
		{"valid", Rule{ID: "a", Matcher: Matcher{Type: IdentityMatcherType, Identity: "x"}, Allow: Allow{Services: []string{"*"}, Tools: []string{"*"}}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rule.Validate(); err != tc.wantErr {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}
