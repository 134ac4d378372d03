package decision

import (
	"context"
	"errors"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/bundle"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/domain/governance"
	"github.com/toolgate/gateway/internal/domain/identity"
)

// ErrGovernanceUnavailable is returned (wrapped) by a GovernanceCaller when
// the governance evaluator cannot be reached. The Decision Engine treats
// this as fail-closed deny, never as allow.
var ErrGovernanceUnavailable = errors.New("decision: governance unavailable")

// GovernanceCaller evaluates a gated tool call against one service's
// Service Governance instance. Implemented directly by
// internal/domain/governance.Engine in-process, or by an HTTP client
// adapter when governance runs out-of-process via a configured evaluator
// URL.
type GovernanceCaller interface {
	Evaluate(caller, tool string, claims, arguments map[string]any, sessionID string, payload []byte) (governance.Decision, error)
}

// GovernanceLookup resolves which GovernanceCaller, if any, backs a service.
type GovernanceLookup func(service string) (GovernanceCaller, bool)

// Engine is the Decision Engine. It is safe for concurrent use -- it has no
// mutable fields -- and is typically constructed once per process.
type Engine struct {
	evaluator accessrule.ClaimEvaluator
}

func NewEngine(evaluator accessrule.ClaimEvaluator) *Engine {
	return &Engine{evaluator: evaluator}
}

// Evaluate runs the three authorization layers (catalog, revocation,
// access-rule matching) against snap, and, for gated tools, consults
// governance. It never mutates snap or any package-level state.
func (e *Engine) Evaluate(ctx context.Context, snap *bundle.Snapshot, governanceFor GovernanceLookup, req Request) (Result, error) {
	if snap == nil {
		return Result{Outcome: OutcomeDeny, Reason: ReasonNoBundle}, nil
	}

	subject, ok := identity.Resolve(req.Claims)
	if !ok {
		return Result{Outcome: OutcomeDeny, Reason: ReasonMissingIdentity}, nil
	}

	// Layer 1: catalog. Disabled service and missing tool both resolve to
	// "not found" (catalog.Catalog.Lookup), so both deny identically here.
	tag, ok := snap.Catalog.Lookup(req.Service, req.Tool)
	if !ok {
		return Result{Outcome: OutcomeDeny, Reason: ReasonUnknownTool, Identity: subject}, nil
	}

	// Layer 2: revocation.
	if snap.IsRevoked(subject) {
		return Result{Outcome: OutcomeDeny, Reason: ReasonRevokedSubject, Identity: subject}, nil
	}

	// Layer 3: access-rule matching.
	matched, _, err := accessrule.Evaluate(ctx, snap.AccessRules, subject, req.Claims, req.Service, req.Tool, e.evaluator)
	if err != nil {
		return Result{}, err
	}
	if !matched {
		return Result{Outcome: OutcomeDeny, Reason: ReasonNoMatchingRule, Identity: subject}, nil
	}

	granted := snap.GrantedServices(func(r accessrule.Rule) bool {
		fires, err := accessrule.Fires(ctx, r, subject, req.Claims, e.evaluator)
		return err == nil && fires
	})

	if tag == catalog.TagOpen {
		return Result{Outcome: OutcomeAllow, Identity: subject, GrantedServices: granted}, nil
	}

	// Gated tool: catalog + revocation + access-rule layers all passed, so
	// the call is handed to the service's governance instance, located via
	// the bundle's governance-instance map.
	if _, ok := snap.GovernanceInstanceFor(req.Service); !ok {
		return Result{Outcome: OutcomeDeny, Reason: ReasonGovernanceUnavailable, Identity: subject, GrantedServices: granted}, nil
	}
	caller, ok := governanceFor(req.Service)
	if !ok {
		return Result{Outcome: OutcomeDeny, Reason: ReasonGovernanceUnavailable, Identity: subject, GrantedServices: granted}, nil
	}

	dec, err := caller.Evaluate(subject, req.Tool, req.Claims, req.Arguments, req.SessionID, req.RequestPayload)
	if err != nil {
		return Result{Outcome: OutcomeDeny, Reason: ReasonGovernanceUnavailable, Identity: subject, GrantedServices: granted}, nil
	}

	switch dec.Kind {
	case governance.KindAllow:
		return Result{Outcome: OutcomeAllow, Identity: subject, GrantedServices: granted, GovernanceRequestID: dec.RequestID}, nil
	case governance.KindDeny:
		return Result{Outcome: OutcomeDeny, Reason: ReasonGovernanceDenied, Message: dec.Message, Identity: subject, GrantedServices: granted, GovernanceRequestID: dec.RequestID}, nil
	default:
		return Result{Outcome: OutcomePending, Reason: ReasonAwaitingApproval, Identity: subject, GrantedServices: granted, GovernanceRequestID: dec.RequestID}, nil
	}
}
