package accessrule

import "context"

// ClaimEvaluator decides whether a caller's claims satisfy a claims-matcher's
// required key/value pairs. Implemented by internal/adapter/outbound/cel
// using a single shared, precompiled CEL program.
type ClaimEvaluator interface {
	Matches(ctx context.Context, claims map[string]any, required map[string]string) (bool, error)
}

// Evaluate checks whether identity/claims is authorized for (service, tool)
// by any rule in rules. Rules compose by OR: the first matching-and-allowing
// rule wins and is returned. Returns (false, nil, nil) if no rule matches.
func Evaluate(
	ctx context.Context,
	rules []Rule,
	identity string,
	claims map[string]any,
	service, tool string,
	evaluator ClaimEvaluator,
) (bool, *Rule, error) {
	for i := range rules {
		r := rules[i]
		if !r.Allow.AllowsService(service) || !r.Allow.AllowsTool(tool) {
			continue
		}
		fires, err := Fires(ctx, r, identity, claims, evaluator)
		if err != nil {
			return false, nil, err
		}
		if fires {
			return true, &rules[i], nil
		}
	}
	return false, nil, nil
}

// Fires reports whether rule's matcher fires for identity/claims, independent
// of its Allow list. Shared by Evaluate and by callers that need to replay
// the matcher alone, such as computing the set of services a caller has any
// access to (see internal/domain/bundle.Snapshot.GrantedServices).
func Fires(ctx context.Context, rule Rule, identity string, claims map[string]any, evaluator ClaimEvaluator) (bool, error) {
	switch rule.Matcher.Type {
	case IdentityMatcherType:
		return identity == rule.Matcher.Identity, nil
	case ClaimsMatcherType:
		return evaluator.Matches(ctx, claims, rule.Matcher.Claims)
	default:
		return false, nil
	}
}
