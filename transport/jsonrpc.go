package transport

import (
	"encoding/json"
	"sync/atomic"
)

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// message is the union of every JSON-RPC shape; which fields are present
// decides whether it is a request, response, or notification.
type message struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wireError struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response echoes the peer's id verbatim; servers may use strings or numbers.
type response struct {
	Error   *wireError      `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type idGenerator struct {
	next atomic.Int64
}

func (g *idGenerator) Next() int64 {
	return g.next.Add(1)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(params)
}

func newRequest(id int64, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: raw})
}

func newNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(notification{JSONRPC: jsonrpcVersion, Method: method, Params: raw})
}

func newResponse(id json.RawMessage, result any) ([]byte, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return json.Marshal(response{JSONRPC: jsonrpcVersion, ID: id, Result: raw})
}

func newErrorResponse(id json.RawMessage, code int, msg string, data json.RawMessage) []byte {
	// Marshalling a fixed struct of strings and ints cannot fail.
	out, _ := json.Marshal(response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &wireError{Code: code, Message: msg, Data: data},
	})
	return out
}
