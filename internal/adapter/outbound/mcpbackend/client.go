// Package mcpbackend is the Aggregator's port to a single backend MCP
// server over MCP Streamable HTTP: JSON-RPC requests POSTed to the
// server's endpoint, responses either plain JSON or an SSE stream whose
// first "data:" line carries the JSON-RPC body.
package mcpbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/toolgate/gateway/internal/port/outbound"
)

const (
	DefaultInitializeTimeout = 10 * time.Second
	DefaultToolCallTimeout   = 30 * time.Second
	sessionHeader            = "Mcp-Session-Id"
)

// Client implements internal/port/outbound.BackendClient.
type Client struct {
	httpClient        *http.Client
	initializeTimeout time.Duration
	toolCallTimeout   time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeouts overrides the per-call initialize and tools/call deadlines.
// A zero value keeps the default.
func WithTimeouts(initialize, toolCall time.Duration) Option {
	return func(c *Client) {
		if initialize > 0 {
			c.initializeTimeout = initialize
		}
		if toolCall > 0 {
			c.toolCallTimeout = toolCall
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient:        &http.Client{},
		initializeTimeout: DefaultInitializeTimeout,
		toolCallTimeout:   DefaultToolCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, url, sessionID, method string, params map[string]any) (rpcResponse, string, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return rpcResponse{}, "", fmt.Errorf("mcpbackend: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return rpcResponse{}, "", fmt.Errorf("mcpbackend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rpcResponse{}, "", fmt.Errorf("mcpbackend: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return rpcResponse{}, "", fmt.Errorf("mcpbackend: unexpected status %d", resp.StatusCode)
	}

	raw, err := readJSONOrSSE(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return rpcResponse{}, "", err
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return rpcResponse{}, "", fmt.Errorf("mcpbackend: decode response: %w", err)
	}
	if out.Error != nil {
		return rpcResponse{}, "", fmt.Errorf("mcpbackend: backend error %d: %s", out.Error.Code, out.Error.Message)
	}
	return out, resp.Header.Get(sessionHeader), nil
}

// readJSONOrSSE returns either body verbatim (application/json) or the
// payload of the first "data:" line (text/event-stream).
func readJSONOrSSE(body io.Reader, contentType string) ([]byte, error) {
	if !strings.Contains(contentType, "text/event-stream") {
		return io.ReadAll(body)
	}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), nil
		}
	}
	return nil, fmt.Errorf("mcpbackend: no data line in SSE response")
}

func (c *Client) Initialize(ctx context.Context, service, url string) (outbound.BackendInitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.initializeTimeout)
	defer cancel()

	resp, sessionID, err := c.post(ctx, url, "", "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "toolgate-aggregator"},
	})
	if err != nil {
		return outbound.BackendInitResult{Service: service}, err
	}

	var parsed struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &parsed)
	}
	return outbound.BackendInitResult{
		Service:          service,
		BackendSessionID: sessionID,
		Capabilities:     parsed.Capabilities,
	}, nil
}

func (c *Client) NotifyInitialized(ctx context.Context, service, url, backendSessionID string) {
	_, _, _ = c.post(ctx, url, backendSessionID, "notifications/initialized", nil)
}

func (c *Client) ListTools(ctx context.Context, service, url, backendSessionID string) ([]outbound.BackendTool, error) {
	resp, _, err := c.post(ctx, url, backendSessionID, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, fmt.Errorf("mcpbackend: decode tools/list: %w", err)
	}
	out := make([]outbound.BackendTool, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, outbound.BackendTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

func (c *Client) CallTool(ctx context.Context, service, url, backendSessionID, tool string, arguments map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.toolCallTimeout)
	defer cancel()
	resp, _, err := c.post(ctx, url, backendSessionID, "tools/call", map[string]any{
		"name":      tool,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) DeleteSession(ctx context.Context, service, url, backendSessionID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	req.Header.Set(sessionHeader, backendSessionID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// OpenStream opens the backend's SSE endpoint and forwards each event's
// payload (the text after "data:") onto the returned channel until ctx is
// cancelled or the stream ends. Keepalive comments and blank separator
// lines are consumed here; the edge handler re-frames payloads into its
// own SSE stream and emits its own keepalives.
func (c *Client) OpenStream(ctx context.Context, service, url, backendSessionID string) (<-chan []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpbackend: build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionHeader, backendSessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcpbackend: open stream: %w", err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			select {
			case <-ctx.Done():
				return
			case out <- []byte(payload):
			}
		}
	}()
	return out, nil
}
