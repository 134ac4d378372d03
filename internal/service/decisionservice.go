package service

import (
	"context"
	"errors"
	"sync"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/bundle"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/domain/decision"
	"github.com/toolgate/gateway/internal/domain/identity"
	"github.com/toolgate/gateway/internal/port/outbound"
	"github.com/toolgate/gateway/internal/telemetry"
)

var (
	ErrMalformedBearerToken = errors.New("decisionservice: malformed bearer token")
	ErrMissingIdentity      = errors.New("decisionservice: no subject identity in claims")
)

// DefaultResultCacheSize bounds the open-tool decision cache absent a
// DecisionServiceOption override.
const DefaultResultCacheSize = 1000

// DecisionService is the process-facing entry point for the Decision
// Engine: it owns the bundle pointer, the claims decoder, and the
// governance registry, and turns a raw request into a decision.Result.
type DecisionService struct {
	engine       *decision.Engine
	evaluator    accessrule.ClaimEvaluator
	bundles      *BundleBuilder
	governance   *GovernanceRegistry
	claims       outbound.ClaimsDecoder
	cache        *ResultCache
	cachedAtRev  uint64
	cacheRevLock sync.Mutex
}

// DecisionServiceOption configures a DecisionService at construction time.
type DecisionServiceOption func(*DecisionService)

// WithResultCacheSize overrides the default open-tool decision cache size.
func WithResultCacheSize(size int) DecisionServiceOption {
	return func(s *DecisionService) { s.cache = NewResultCache(size) }
}

func NewDecisionService(evaluator accessrule.ClaimEvaluator, bundles *BundleBuilder, governance *GovernanceRegistry, claims outbound.ClaimsDecoder, opts ...DecisionServiceOption) *DecisionService {
	s := &DecisionService{
		engine:     decision.NewEngine(evaluator),
		evaluator:  evaluator,
		bundles:    bundles,
		governance: governance,
		claims:     claims,
		cache:      NewResultCache(DefaultResultCacheSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EvaluateToolCall resolves the bearer token to claims and runs the
// Decision Engine's three layers (plus governance for gated tools)
// against the current bundle.
//
// Open tools are cacheable: catalog/revocation/access-rule outcomes depend
// only on (bundle revision, subject, claims, service, tool, arguments), never on
// governance state, so a repeat call can be served from the ResultCache.
// Gated tools are never cached here -- Evaluate always runs, since a cached
// Allow would replay a governance approval that must be consumed exactly
// once.
func (s *DecisionService) EvaluateToolCall(ctx context.Context, bearerToken string, req decision.Request) (decision.Result, error) {
	ctx, span := telemetry.StartDecisionSpan(ctx, req.Service, req.Tool)

	claims, err := s.claims.Decode(bearerToken)
	if err != nil {
		result := decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonMissingIdentity}
		telemetry.EndDecisionSpan(span, string(result.Outcome), result.Reason)
		return result, nil
	}
	req.Claims = claims

	snap := s.bundles.CurrentBundle()
	s.invalidateCacheOnNewRevision(snap)

	if snap != nil {
		if tag, ok := snap.Catalog.Lookup(req.Service, req.Tool); ok && tag == catalog.TagOpen {
			if subject, ok := identity.Resolve(claims); ok {
				key := computeResultCacheKey(snap.Revision, subject, req.Service, req.Tool,
					map[string]any{"arguments": req.Arguments, "claims": claims})
				if cached, hit := s.cache.Get(key); hit {
					telemetry.EndDecisionSpan(span, string(cached.Outcome), cached.Reason)
					return cached, nil
				}
				result, err := s.engine.Evaluate(ctx, snap, s.governance.Lookup, req)
				if err == nil {
					s.cache.Put(key, result)
				}
				telemetry.EndDecisionSpan(span, string(result.Outcome), result.Reason)
				return result, err
			}
		}
	}

	result, err := s.engine.Evaluate(ctx, snap, s.governance.Lookup, req)
	telemetry.EndDecisionSpan(span, string(result.Outcome), result.Reason)
	return result, err
}

// invalidateCacheOnNewRevision clears the cache the first time a new bundle
// revision is observed. Keying cache entries by revision already makes
// stale entries unreachable, but clearing frees them instead of letting the
// LRU evict them lazily.
func (s *DecisionService) invalidateCacheOnNewRevision(snap *bundle.Snapshot) {
	if snap == nil {
		return
	}
	s.cacheRevLock.Lock()
	defer s.cacheRevLock.Unlock()
	if snap.Revision != s.cachedAtRev {
		s.cachedAtRev = snap.Revision
		s.cache.Clear()
	}
}

// Authenticate decodes bearerToken and resolves the caller's subject
// identity, for the stream-setup and meta-call paths that need
// authentication but not the full three-layer authorization.
func (s *DecisionService) Authenticate(bearerToken string) (subject string, claims map[string]any, err error) {
	claims, err = s.claims.Decode(bearerToken)
	if err != nil {
		return "", nil, ErrMalformedBearerToken
	}
	subject, ok := identity.Resolve(claims)
	if !ok {
		return "", nil, ErrMissingIdentity
	}
	return subject, claims, nil
}

// CurrentBundle exposes the cached bundle for callers (the inbound edge
// adapter) that need its revision for response headers without going
// through a full Evaluate call.
func (s *DecisionService) CurrentBundle() *bundle.Snapshot {
	return s.bundles.CurrentBundle()
}

// Simulate runs req through the catalog, revocation, and access-rule layers
// against the current bundle without calling governance, for the
// policy-simulation admin endpoint: a gated tool that clears the first
// three layers reports pending rather than actually creating a
// PendingRequest, since a dry run must not mutate governance state.
func (s *DecisionService) Simulate(ctx context.Context, req decision.Request) (decision.Result, error) {
	snap := s.bundles.CurrentBundle()
	if snap == nil {
		return decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonNoBundle}, nil
	}

	subject, ok := identity.Resolve(req.Claims)
	if !ok {
		return decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonMissingIdentity}, nil
	}

	tag, ok := snap.Catalog.Lookup(req.Service, req.Tool)
	if !ok {
		return decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonUnknownTool, Identity: subject}, nil
	}
	if snap.IsRevoked(subject) {
		return decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonRevokedSubject, Identity: subject}, nil
	}

	matched, _, err := accessrule.Evaluate(ctx, snap.AccessRules, subject, req.Claims, req.Service, req.Tool, s.evaluator)
	if err != nil {
		return decision.Result{}, err
	}
	if !matched {
		return decision.Result{Outcome: decision.OutcomeDeny, Reason: decision.ReasonNoMatchingRule, Identity: subject}, nil
	}

	granted := snap.GrantedServices(func(r accessrule.Rule) bool {
		fires, err := accessrule.Fires(ctx, r, subject, req.Claims, s.evaluator)
		return err == nil && fires
	})

	if tag == catalog.TagOpen {
		return decision.Result{Outcome: decision.OutcomeAllow, Identity: subject, GrantedServices: granted}, nil
	}
	return decision.Result{Outcome: decision.OutcomePending, Reason: decision.ReasonAwaitingApproval, Identity: subject, GrantedServices: granted}, nil
}

// GrantedServices replays the access rules against claims and the current
// bundle to compute x-granted-services for tools/list filtering. It is
// fail-closed like the tool-call path: no bundle or no resolvable subject
// identity grants nothing.
func (s *DecisionService) GrantedServices(ctx context.Context, claims map[string]any) []string {
	subject, ok := identity.Resolve(claims)
	if !ok {
		return nil
	}
	snap := s.bundles.CurrentBundle()
	if snap == nil {
		return nil
	}
	return snap.GrantedServices(func(r accessrule.Rule) bool {
		fires, err := accessrule.Fires(ctx, r, subject, claims, s.evaluator)
		return err == nil && fires
	})
}
