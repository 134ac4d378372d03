package service

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/toolgate/gateway/internal/domain/aggregator"
	"github.com/toolgate/gateway/internal/port/outbound"
)

// AggregatorService wires the aggregator domain's Router and session
// Registry into the one process-wide entry point the inbound HTTP adapter
// calls for every MCP request after the Decision Engine has allowed it.
type AggregatorService struct {
	router   *aggregator.Router
	sessions *aggregator.Registry
	backends map[string]string // service -> base URL, the full configured set
}

func NewAggregatorService(client outbound.BackendClient, backends map[string]string) *AggregatorService {
	return &AggregatorService{
		router:   aggregator.NewRouter(client),
		sessions: aggregator.NewRegistry(),
		backends: backends,
	}
}

// Initialize fans out to every configured backend and registers the new
// session under its client-session-id.
func (a *AggregatorService) Initialize(ctx context.Context) (clientSessionID string, capabilities map[string]any, err error) {
	session, caps, err := a.router.Initialize(ctx, a.backends)
	if err != nil {
		return "", nil, err
	}
	a.sessions.Put(session)
	return session.ClientSessionID, caps, nil
}

func (a *AggregatorService) NotifyInitialized(ctx context.Context, clientSessionID string) {
	session, ok := a.sessions.Get(clientSessionID)
	if !ok {
		return
	}
	a.router.NotifyInitialized(ctx, session)
}

// ListTools fans tools/list out, restricted to grantedServices when
// non-nil (the decision engine's x-granted-services computation).
func (a *AggregatorService) ListTools(ctx context.Context, clientSessionID string, grantedServices []string) ([]aggregator.NamespacedTool, error) {
	session, ok := a.sessions.Get(clientSessionID)
	if !ok {
		return nil, aggregator.ErrUnknownService
	}
	return a.router.ListTools(ctx, session, grantedServices), nil
}

func (a *AggregatorService) CallTool(ctx context.Context, clientSessionID, namespacedTool string, arguments map[string]any) (json.RawMessage, error) {
	session, ok := a.sessions.Get(clientSessionID)
	if !ok {
		return nil, aggregator.ErrUnknownService
	}
	return a.router.CallTool(ctx, session, namespacedTool, arguments)
}

// OpenStream opens a multiplexed SSE stream across every backend in the
// named session, for the GET /mcp handler.
func (a *AggregatorService) OpenStream(ctx context.Context, clientSessionID string) (<-chan []byte, func(), error) {
	session, ok := a.sessions.Get(clientSessionID)
	if !ok {
		return nil, nil, aggregator.ErrUnknownService
	}
	return a.router.OpenStream(ctx, session)
}

// DeleteSession tears the session down on every backend and drops it
// locally.
func (a *AggregatorService) DeleteSession(ctx context.Context, clientSessionID string) {
	session, ok := a.sessions.Get(clientSessionID)
	if !ok {
		return
	}
	a.router.DeleteSession(ctx, session)
	a.sessions.Delete(clientSessionID)
}

// ActiveSessions reports the number of live sessions, for GET /health.
func (a *AggregatorService) ActiveSessions() int {
	return a.sessions.Count()
}

// Backends reports the configured backend service names, sorted, for
// GET /health.
func (a *AggregatorService) Backends() []string {
	out := make([]string, 0, len(a.backends))
	for name := range a.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
