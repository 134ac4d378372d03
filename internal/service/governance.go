package service

import (
	"sync"
	"time"

	"github.com/toolgate/gateway/internal/adapter/outbound/governanceclient"
	"github.com/toolgate/gateway/internal/domain/decision"
	"github.com/toolgate/gateway/internal/domain/governance"
)

// GovernanceRegistry resolves a service to the GovernanceCaller the
// Decision Engine consults for gated tools, and satisfies
// decision.GovernanceLookup.
//
// With no evaluatorURL configured, it owns one in-process governance.Engine
// per backend service -- the single-binary deployment, where this same
// process also serves the admin approve/deny/pending routes
// (internal/adapter/inbound/controlplane) against those engines directly.
// With an evaluatorURL configured, gated-tool evaluation is instead posted
// over HTTP to that governance instance (internal/adapter/outbound/governanceclient);
// EngineFor still returns a local in-process Engine, since that split
// deployment's admin operations run against the process hosting the
// evaluator, not this one.
type GovernanceRegistry struct {
	mu             sync.Mutex
	engines        map[string]*governance.Engine
	clients        map[string]*governanceclient.Client
	evaluatorURL   string
	evaluatorToken string
}

// RegistryOption configures a GovernanceRegistry at construction time.
type RegistryOption func(*GovernanceRegistry)

// WithEvaluatorToken sets the gateway-role bearer token sent to an
// out-of-process evaluator.
func WithEvaluatorToken(token string) RegistryOption {
	return func(r *GovernanceRegistry) { r.evaluatorToken = token }
}

func NewGovernanceRegistry(evaluatorURL string, opts ...RegistryOption) *GovernanceRegistry {
	r := &GovernanceRegistry{
		engines:      make(map[string]*governance.Engine),
		clients:      make(map[string]*governanceclient.Client),
		evaluatorURL: evaluatorURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup implements decision.GovernanceLookup. The caller (the Decision
// Engine) only reaches this once the bundle snapshot already confirms a
// governance instance is bound to service, so a miss here just means this
// process hasn't built that service's caller yet -- build it lazily rather
// than denying a call the policy store considers governed.
func (r *GovernanceRegistry) Lookup(service string) (decision.GovernanceCaller, bool) {
	if r.evaluatorURL != "" {
		return r.clientFor(service), true
	}
	return r.EngineFor(service), true
}

// clientFor returns (creating if absent) the governanceclient.Client
// posting to this service's evaluate endpoint at evaluatorURL.
func (r *GovernanceRegistry) clientFor(service string) *governanceclient.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[service]
	if !ok {
		client = governanceclient.New(r.evaluatorURL, service, governanceclient.WithToken(r.evaluatorToken))
		r.clients[service] = client
	}
	return client
}

// EngineFor returns (creating if absent) the governance.Engine bound to
// service, for admin approve/deny/list operations.
func (r *GovernanceRegistry) EngineFor(service string) *governance.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	engine, ok := r.engines[service]
	if !ok {
		engine = governance.NewEngine(service)
		r.engines[service] = engine
	}
	return engine
}

// PendingCount sums the pending requests across every engine this process
// hosts, for the governance_pending gauge.
func (r *GovernanceRegistry) PendingCount() int {
	r.mu.Lock()
	engines := make([]*governance.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	total := 0
	for _, e := range engines {
		total += len(e.ListPending())
	}
	return total
}

// GC sweeps every registered engine's resolved requests older than
// olderThan. Call periodically from a background ticker.
func (r *GovernanceRegistry) GC(olderThan time.Duration) int {
	r.mu.Lock()
	engines := make([]*governance.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	total := 0
	for _, e := range engines {
		total += e.GC(olderThan)
	}
	return total
}
