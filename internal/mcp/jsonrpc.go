// Package mcp carries the JSON-RPC 2.0 protocol core and the three
// transport frontends (stdio, HTTP with SSE, WebSocket) that share it.
package mcp

import (
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/types"
)

// ProtocolVersion is the protocol revision advertised by initialize.
const ProtocolVersion = "2025-03-26"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object. Data carries the stable
// domain error code under "code".
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-to-client JSON-RPC notification.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

// domainError maps a typed domain error onto the wire. Validation maps
// to invalid params; everything else is a server error carrying the
// domain code in data.
func domainError(id json.RawMessage, err error) *Response {
	code := types.CodeOf(err)
	rpcCode := CodeServerError
	switch code {
	case types.CodeValidation:
		rpcCode = CodeInvalidParams
	case types.CodeInternal:
		rpcCode = CodeInternalError
	}
	return errorResponse(id, rpcCode, err.Error(), map[string]any{"code": string(code)})
}
