package rpc

import "encoding/json"

// Request is one call. Requests and responses are newline-delimited JSON on
// a TCP connection; a connection may carry several calls in sequence.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Token  string          `json:"token,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID    uint64          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Audience names RPC links in issued tokens.
const Audience = "rpc"

// TokenIssuer produces credentials for outbound calls.
type TokenIssuer interface {
	Issue(audience string) (string, error)
}

// TokenVerifier checks credentials on inbound calls.
type TokenVerifier interface {
	Verify(token, audience string) error
}
