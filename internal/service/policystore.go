// Package service wires the domain and adapter layers into the gateway's
// running components: Policy Store, Bundle Builder, Service Governance,
// Decision Engine, and MCP Aggregator.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
	"github.com/toolgate/gateway/internal/port/outbound"
)

var (
	ErrUnknownService = errors.New("policystore: unknown service")
	ErrUnknownTool    = errors.New("policystore: unknown tool")
	ErrUnknownRule    = errors.New("policystore: unknown rule")
)

// PolicyStore is the single logical singleton holding catalog, access
// rules, revoked subjects, and the governance-instance map. All mutations
// serialize on mu; readers take the read lock, so they always observe a
// complete pre- or post-mutation view, never a partial one.
type PolicyStore struct {
	mu sync.RWMutex

	catalog             catalog.Catalog
	accessRules         map[string]accessrule.Rule
	revokedSubjects     map[string]struct{}
	governanceInstances map[string]string

	store     outbound.StateStore
	publisher outbound.ChangePublisher
	revision  uint64
}

func NewPolicyStore(store outbound.StateStore, publisher outbound.ChangePublisher) *PolicyStore {
	return &PolicyStore{
		catalog:             catalog.Catalog{},
		accessRules:         map[string]accessrule.Rule{},
		revokedSubjects:     map[string]struct{}{},
		governanceInstances: map[string]string{},
		store:               store,
		publisher:           publisher,
	}
}

// Load restores persisted state at startup. Call once before serving.
func (p *PolicyStore) Load(ctx context.Context) error {
	state, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Catalog != nil {
		p.catalog = state.Catalog
	}
	p.accessRules = make(map[string]accessrule.Rule, len(state.AccessRules))
	for _, r := range state.AccessRules {
		p.accessRules[r.ID] = r
	}
	if state.RevokedSubjects != nil {
		p.revokedSubjects = state.RevokedSubjects
	}
	if state.GovernanceInstances != nil {
		p.governanceInstances = state.GovernanceInstances
	}
	return nil
}

// persistAndPublish must be called with mu held for writing. It snapshots
// the current state, saves it, bumps the revision, and publishes a change
// event -- all three happen atomically from the perspective of a reader
// taking mu.RLock after this call returns.
func (p *PolicyStore) persistAndPublish(ctx context.Context) error {
	rules := make([]accessrule.Rule, 0, len(p.accessRules))
	for _, r := range p.accessRules {
		rules = append(rules, r)
	}
	state := outbound.StoredState{
		Catalog:             p.catalog.Clone(),
		AccessRules:         rules,
		RevokedSubjects:     cloneSet(p.revokedSubjects),
		GovernanceInstances: cloneStringMap(p.governanceInstances),
	}
	if err := p.store.Save(ctx, state); err != nil {
		return err
	}
	p.revision++
	if p.publisher != nil {
		p.publisher.Publish(outbound.ChangeEvent{Revision: p.revision})
	}
	return nil
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RegisterService adds a disabled catalog entry if absent.
func (p *PolicyStore) RegisterService(ctx context.Context, service string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.catalog[service]; ok {
		return nil
	}
	p.catalog[service] = catalog.Service{Name: service, Enabled: false, Tools: map[string]catalog.Tag{}}
	return p.persistAndPublish(ctx)
}

func (p *PolicyStore) setServiceEnabled(ctx context.Context, service string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.catalog[service]
	if !ok {
		return ErrUnknownService
	}
	svc.Enabled = enabled
	p.catalog[service] = svc
	return p.persistAndPublish(ctx)
}

func (p *PolicyStore) EnableService(ctx context.Context, service string) error {
	return p.setServiceEnabled(ctx, service, true)
}

func (p *PolicyStore) DisableService(ctx context.Context, service string) error {
	return p.setServiceEnabled(ctx, service, false)
}

// RegisterTool adds (or retags) a tool entry on service.
func (p *PolicyStore) RegisterTool(ctx context.Context, service, tool string, tag catalog.Tag) error {
	if !tag.Valid() {
		return catalog.ErrInvalidTag
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.catalog[service]
	if !ok {
		return ErrUnknownService
	}
	svc.Tools[tool] = tag
	p.catalog[service] = svc
	return p.persistAndPublish(ctx)
}

// SetToolTag changes an already-registered tool's tag. Unlike RegisterTool
// it refuses to create the tool as a side effect.
func (p *PolicyStore) SetToolTag(ctx context.Context, service, tool string, tag catalog.Tag) error {
	if !tag.Valid() {
		return catalog.ErrInvalidTag
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.catalog[service]
	if !ok {
		return ErrUnknownService
	}
	if _, ok := svc.Tools[tool]; !ok {
		return ErrUnknownTool
	}
	svc.Tools[tool] = tag
	p.catalog[service] = svc
	return p.persistAndPublish(ctx)
}

func (p *PolicyStore) RemoveTool(ctx context.Context, service, tool string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.catalog[service]
	if !ok {
		return ErrUnknownService
	}
	delete(svc.Tools, tool)
	p.catalog[service] = svc
	return p.persistAndPublish(ctx)
}

// AddAccessRule inserts rule, replacing any existing rule with the same id.
func (p *PolicyStore) AddAccessRule(ctx context.Context, rule accessrule.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessRules[rule.ID] = rule
	return p.persistAndPublish(ctx)
}

func (p *PolicyStore) RemoveAccessRule(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accessRules[id]; !ok {
		return ErrUnknownRule
	}
	delete(p.accessRules, id)
	return p.persistAndPublish(ctx)
}

func (p *PolicyStore) RevokeSubject(ctx context.Context, subject string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokedSubjects[subject] = struct{}{}
	return p.persistAndPublish(ctx)
}

func (p *PolicyStore) ReinstateSubject(ctx context.Context, subject string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.revokedSubjects, subject)
	return p.persistAndPublish(ctx)
}

// AttachGovernance binds a governance instance id to service.
func (p *PolicyStore) AttachGovernance(ctx context.Context, service, governanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.catalog[service]; !ok {
		return ErrUnknownService
	}
	p.governanceInstances[service] = governanceID
	return p.persistAndPublish(ctx)
}

// StateSnapshot is an immutable, consistent read of every field
// getBundleData needs; the Bundle Builder turns this into a bundle.Snapshot.
type StateSnapshot struct {
	Catalog             catalog.Catalog
	AccessRules         []accessrule.Rule
	RevokedSubjects     map[string]struct{}
	GovernanceInstances map[string]string
}

// GetBundleData returns a deep-copied, consistent snapshot of the current
// state (the gateway-role-only control-plane read endpoint).
func (p *PolicyStore) GetBundleData() StateSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rules := make([]accessrule.Rule, 0, len(p.accessRules))
	for _, r := range p.accessRules {
		rules = append(rules, r)
	}
	return StateSnapshot{
		Catalog:             p.catalog.Clone(),
		AccessRules:         rules,
		RevokedSubjects:     cloneSet(p.revokedSubjects),
		GovernanceInstances: cloneStringMap(p.governanceInstances),
	}
}

// NewGovernanceID mints an opaque identifier for AttachGovernance callers
// that don't already have one (e.g. a provisioning script registering a
// freshly started governance instance).
func NewGovernanceID() string { return "gov-" + uuid.NewString() }
