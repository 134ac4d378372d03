// Package outbound collects the interfaces the domain and service layers
// depend on for everything that crosses a process boundary: the policy
// store's persistent state, the change stream, backend MCP servers, and
// JWT/claims decoding. Concrete implementations live under
// internal/adapter/outbound; domain and service code only ever import this
// package, never an adapter package, keeping the dependency arrow pointing
// inward per the hexagonal layout.
package outbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolgate/gateway/internal/domain/accessrule"
	"github.com/toolgate/gateway/internal/domain/catalog"
)

// StateStore persists the Policy Store's mutable state so a restart doesn't
// lose catalog/rules/revocations. Implemented by
// internal/adapter/outbound/statestore with modernc.org/sqlite.
type StateStore interface {
	Load(ctx context.Context) (StoredState, error)
	Save(ctx context.Context, state StoredState) error
}

// StoredState is the full persisted Policy Store state, the same shape the
// bundle builder turns into a Snapshot plus revision/token metadata.
type StoredState struct {
	Catalog             catalog.Catalog
	AccessRules         []accessrule.Rule
	RevokedSubjects     map[string]struct{}
	GovernanceInstances map[string]string
}

// ChangeEvent is published on every Policy Store mutation.
type ChangeEvent struct {
	Revision uint64
	At       time.Time
}

// ChangePublisher is the Policy Store's half of the change stream.
type ChangePublisher interface {
	Publish(event ChangeEvent)
}

// ChangeSubscriber is the Bundle Builder's half: each call returns an
// independent subscription with its own cursor, so multiple builders can
// fan out from the same Policy Store without interfering with each other.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

// ClaimsDecoder decodes a bearer token's payload into a claims map without
// verifying its signature (the edge has already done that). Implemented by
// internal/adapter/outbound/jwtclaims using golang-jwt/jwt/v5.
type ClaimsDecoder interface {
	Decode(token string) (map[string]any, error)
}

// BackendInitResult is one backend's response to an initialize fan-out.
type BackendInitResult struct {
	Service          string
	BackendSessionID string
	Capabilities     map[string]any
	Err              error
}

// BackendTool is one tool entry as reported by a backend's tools/list.
type BackendTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// BackendClient is the port to a single backend MCP server. Implemented by
// internal/adapter/outbound/mcpbackend over MCP Streamable HTTP + SSE.
type BackendClient interface {
	Initialize(ctx context.Context, service, url string) (BackendInitResult, error)
	NotifyInitialized(ctx context.Context, service, url, backendSessionID string)
	ListTools(ctx context.Context, service, url, backendSessionID string) ([]BackendTool, error)
	CallTool(ctx context.Context, service, url, backendSessionID, tool string, arguments map[string]any) (json.RawMessage, error)
	OpenStream(ctx context.Context, service, url, backendSessionID string) (<-chan []byte, error)
	DeleteSession(ctx context.Context, service, url, backendSessionID string)
}
