package mcp

import "errors"

// errMissingParams indicates a tools/call request arrived with no params.
var errMissingParams = errors.New("mcp: missing request params")

// JSON-RPC 2.0 error codes used by the aggregator and decision engine when
// building error responses that travel back to the client.
const (
	ErrCodeParse          int64 = -32700
	ErrCodeInvalidRequest int64 = -32600
	ErrCodeMethodNotFound int64 = -32601
	ErrCodeInvalidParams  int64 = -32602
	ErrCodeInternal       int64 = -32603
)
