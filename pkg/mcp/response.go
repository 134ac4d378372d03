package mcp

import "encoding/json"

// jsonRPCError and jsonRPCResult mirror the wire shapes used by both the
// decision engine (building deny responses) and the aggregator (building
// routing-error and merged-result responses). Kept package-private: callers
// use the ErrorResponse/ResultResponse constructors below.
type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id,omitempty"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// ErrorResponse builds a JSON-RPC 2.0 error response, echoing id.
func ErrorResponse(id json.RawMessage, code int64, message string) []byte {
	b, _ := json.Marshal(jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonRPCErrorDetail{Code: code, Message: message},
	})
	return b
}

// ResultResponse builds a JSON-RPC 2.0 success response, echoing id.
func ResultResponse(id json.RawMessage, result any) ([]byte, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonRPCResult{
		JSONRPC: "2.0",
		ID:      id,
		Result:  json.RawMessage(resultJSON),
	})
}
