// Package mcp provides JSON-RPC 2.0 message types shared by the decision
// engine and the aggregator. It wraps the MCP SDK's jsonrpc package with the
// small amount of metadata both components need to classify and route a
// request without re-parsing it at every stage.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Envelope wraps a decoded JSON-RPC message with the raw bytes it came from.
// Raw is kept for passthrough (forwarding to a backend unchanged) and for
// extracting fields (like the request id) that don't round-trip cleanly
// through the SDK's jsonrpc.Message interface.
type Envelope struct {
	Raw     []byte
	Decoded jsonrpc.Message
}

// Decode parses raw JSON-RPC bytes into an Envelope. A decode failure is not
// fatal to the caller: the Decision Engine treats an undecodable body as a
// stream-setup request, so callers should check the returned error but may
// still want to classify on Raw == nil/empty rather than aborting.
func Decode(raw []byte) (*Envelope, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Envelope{Raw: raw, Decoded: decoded}, nil
}

// Encode serializes a JSON-RPC message to wire format.
func Encode(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// Request returns the underlying *jsonrpc.Request, or nil if this envelope
// wraps a response (or failed to decode as a request).
func (e *Envelope) Request() *jsonrpc.Request {
	if e == nil || e.Decoded == nil {
		return nil
	}
	req, _ := e.Decoded.(*jsonrpc.Request)
	return req
}

// Method returns the JSON-RPC method name, or "" if this isn't a request.
func (e *Envelope) Method() string {
	req := e.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// Params lazily unmarshals the request params into a generic map. Returns
// nil if this isn't a request, has no params, or params aren't an object.
func (e *Envelope) Params() map[string]any {
	req := e.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	return params
}

// RawID extracts the "id" field directly from the raw bytes. The SDK's
// jsonrpc.ID doesn't marshal cleanly back through interface{}, so building
// error/result responses that echo the original id reads it from Raw
// instead of from Decoded.
func (e *Envelope) RawID() json.RawMessage {
	if e == nil || e.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}

// SplitNamespacedTool splits a "service.tool" name at the first dot. The
// tool half may itself contain dots; only the service prefix is stripped.
// ok is false if name has no dot at all.
func SplitNamespacedTool(name string) (service, tool string, ok bool) {
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// ToolCallParams is the params shape of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseToolCall extracts ToolCallParams from a tools/call request envelope.
func (e *Envelope) ParseToolCall() (ToolCallParams, error) {
	req := e.Request()
	if req == nil || req.Params == nil {
		return ToolCallParams{}, errMissingParams
	}
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ToolCallParams{}, err
	}
	return params, nil
}
