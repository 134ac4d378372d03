package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/toolgate/gateway/internal/port/outbound"
	"github.com/toolgate/gateway/pkg/mcp"
)

// ErrUnknownService is returned for a tools/call whose namespaced service
// half has no backend in the session; the edge maps it to JSON-RPC -32602.
var ErrUnknownService = errors.New("aggregator: unknown service")

// ErrNoBackendsInitialized is returned when every backend failed
// initialize and the session has nothing left to route to.
var ErrNoBackendsInitialized = errors.New("aggregator: no backends initialized")

// Router fans requests out to backend MCP servers and merges their
// responses. It holds no session state itself -- that lives in Session --
// so a single Router instance is shared across every session.
type Router struct {
	client outbound.BackendClient
}

func NewRouter(client outbound.BackendClient) *Router {
	return &Router{client: client}
}

// Initialize fans out to every configured backend in parallel and returns a
// new Session plus the union of their capabilities. If zero backends
// initialize successfully, the whole call fails.
func (r *Router) Initialize(ctx context.Context, backends map[string]string) (*Session, map[string]any, error) {
	type result struct {
		service string
		res     outbound.BackendInitResult
	}
	results := make(chan result, len(backends))
	var wg sync.WaitGroup
	for service, url := range backends {
		wg.Add(1)
		go func(service, url string) {
			defer wg.Done()
			res, err := r.client.Initialize(ctx, service, url)
			if err != nil {
				res.Err = err
			}
			results <- result{service: service, res: res}
		}(service, url)
	}
	go func() { wg.Wait(); close(results) }()

	session := NewSession(uuid.NewString())
	capabilities := make(map[string]any)
	succeeded := 0
	for item := range results {
		if item.res.Err != nil {
			continue
		}
		succeeded++
		session.AddBackend(&Backend{Service: item.service, URL: backends[item.service], BackendSessionID: item.res.BackendSessionID})
		for k, v := range item.res.Capabilities {
			capabilities[k] = v
		}
	}
	if succeeded == 0 {
		return nil, nil, ErrNoBackendsInitialized
	}
	return session, capabilities, nil
}

// NotifyInitialized fans notifications/initialized out to every backend in
// the session, fire-and-forget.
func (r *Router) NotifyInitialized(ctx context.Context, session *Session) {
	for _, service := range session.Services() {
		b, ok := session.Backend(service)
		if !ok {
			continue
		}
		r.client.NotifyInitialized(ctx, b.Service, b.URL, b.BackendSessionID)
	}
}

// NamespacedTool is a tools/list entry after the aggregator has prefixed it
// with its owning service.
type NamespacedTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ListTools fans tools/list out to the services in grantedServices (or
// every backend in the session if grantedServices is nil, meaning no
// x-granted-services restriction applied), prefixes each tool name with
// "service.", and unions the results. A single backend's failure is
// dropped silently; that service's tools are simply absent this round.
func (r *Router) ListTools(ctx context.Context, session *Session, grantedServices []string) []NamespacedTool {
	allowed := session.Services()
	if grantedServices != nil {
		set := make(map[string]struct{}, len(grantedServices))
		for _, s := range grantedServices {
			set[s] = struct{}{}
		}
		filtered := allowed[:0]
		for _, s := range allowed {
			if _, ok := set[s]; ok {
				filtered = append(filtered, s)
			}
		}
		allowed = filtered
	}
	sort.Strings(allowed)

	var out []NamespacedTool
	for _, service := range allowed {
		b, ok := session.Backend(service)
		if !ok {
			continue
		}
		tools, err := r.client.ListTools(ctx, b.Service, b.URL, b.BackendSessionID)
		if err != nil {
			continue
		}
		for _, t := range tools {
			out = append(out, NamespacedTool{
				Name:        service + "." + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out
}

// CallTool splits name at the first dot, routes to that backend using the
// backend's own session id and the un-prefixed tool name, and returns the
// backend's response verbatim.
func (r *Router) CallTool(ctx context.Context, session *Session, name string, arguments map[string]any) (json.RawMessage, error) {
	service, tool, ok := mcp.SplitNamespacedTool(name)
	if !ok {
		return nil, ErrUnknownService
	}
	b, ok := session.Backend(service)
	if !ok {
		return nil, ErrUnknownService
	}
	return r.client.CallTool(ctx, b.Service, b.URL, b.BackendSessionID, tool, arguments)
}

// OpenStream opens an upstream SSE connection per backend in the session
// and multiplexes their chunks onto a single output channel. The returned
// cancel func tears down every upstream reader; callers must invoke it
// when the client disconnects.
func (r *Router) OpenStream(ctx context.Context, session *Session) (<-chan []byte, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)

	var wg sync.WaitGroup
	for _, service := range session.Services() {
		b, ok := session.Backend(service)
		if !ok {
			continue
		}
		ch, err := r.client.OpenStream(streamCtx, b.Service, b.URL, b.BackendSessionID)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(ch <-chan []byte) {
			defer wg.Done()
			for {
				select {
				case <-streamCtx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-streamCtx.Done():
						return
					}
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, cancel, nil
}

// DeleteSession propagates teardown to every backend in the session.
func (r *Router) DeleteSession(ctx context.Context, session *Session) {
	for _, service := range session.Services() {
		b, ok := session.Backend(service)
		if !ok {
			continue
		}
		r.client.DeleteSession(ctx, b.Service, b.URL, b.BackendSessionID)
	}
}
