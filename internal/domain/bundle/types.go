// Package bundle defines the immutable policy snapshot consumed by the
// Decision Engine. Once published, a Snapshot is never mutated; the Bundle
// Builder constructs a new one on every change and publishes it behind an
// atomic pointer (see internal/service.BundleBuilder).
package bundle

import (
	"sort"
	"time"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
)

// Snapshot is the full, versioned policy bundle.
type Snapshot struct {
	Revision               uint64
	Catalog                catalog.Catalog
	AccessRules            []accessrule.Rule
	RevokedSubjects        map[string]struct{}
	GovernanceInstances    map[string]string // service -> governance-id
	GovernanceEvaluatorURL string
	BundleToken            string
	BuiltAt                time.Time
}

// IsRevoked reports whether subject is in the revoked set.
func (s *Snapshot) IsRevoked(subject string) bool {
	if s == nil || s.RevokedSubjects == nil {
		return false
	}
	_, revoked := s.RevokedSubjects[subject]
	return revoked
}

// GovernanceInstanceFor returns the governance-id bound to service, if any.
func (s *Snapshot) GovernanceInstanceFor(service string) (string, bool) {
	if s == nil || s.GovernanceInstances == nil {
		return "", false
	}
	id, ok := s.GovernanceInstances[service]
	return id, ok
}

// GrantedServices replays the access rules for (identity, claims) against
// the catalog and returns the sorted, de-duplicated set of service names
// the caller has at least some access to. Used to compute x-granted-services
// for tools/list filtering.
func (s *Snapshot) GrantedServices(
	matches func(rule accessrule.Rule) bool,
) []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, rule := range s.AccessRules {
		if !matches(rule) {
			continue
		}
		for svc, entry := range s.Catalog {
			if !entry.Enabled {
				continue
			}
			if rule.Allow.AllowsService(svc) {
				seen[svc] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for svc := range seen {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}
