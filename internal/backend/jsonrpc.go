package backend

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

const jsonrpcVersion = "2.0"

// methodInitialized is the notification that completes the handshake.
const methodInitialized = "initialized"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// newRequest builds a request with a fresh string id.
func newRequest(method string, params any) (string, []byte, error) {
	id := uuid.NewString()
	raw, err := marshalParams(params)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.Quote(id)),
		Method:  method,
		Params:  raw,
	})
	return id, data, err
}

func newNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcNotification{JSONRPC: jsonrpcVersion, Method: method, Params: raw})
}

func newResponse(id json.RawMessage, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: raw})
}

func newErrorResponse(id json.RawMessage, code int, message string) ([]byte, error) {
	return json.Marshal(rpcResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// idKey renders a JSON-RPC id (string or number) as a map key.
func idKey(id json.RawMessage) string {
	id = bytes.TrimSpace(id)
	if len(id) > 0 && id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return s
		}
	}
	return string(id)
}
