package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Standard JSON-RPC 2.0 error codes.
const (
	JsonRpcErrorParseError     = -32700
	JsonRpcErrorInvalidRequest = -32600
	JsonRpcErrorMethodNotFound = -32601
	JsonRpcErrorInvalidParams  = -32602
	JsonRpcErrorInternal       = -32603

	// Implementation-defined server error range per the JSON-RPC 2.0 spec.
	JsonRpcErrorServerSideMin = -32099
	JsonRpcErrorServerSideMax = -32000
)

// JsonRpcRequest is a single (non-batch) JSON-RPC 2.0 request envelope.
// ID and Params are kept raw so they round-trip byte-exact.
type JsonRpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JsonRpcError is the error member of a response envelope.
type JsonRpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JsonRpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// JsonRpcResponse is a single JSON-RPC 2.0 response envelope.
type JsonRpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JsonRpcError   `json:"error,omitempty"`
}

// ParseJsonRpcRequest decodes a request body into a single method call.
// Batch requests are rejected.
func ParseJsonRpcRequest(body []byte) (*JsonRpcRequest, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, NewErrMalformedRequest(fmt.Errorf("empty request body"))
	}
	if trimmed[0] == '[' {
		return nil, NewErrMalformedRequest(fmt.Errorf("batch requests are not supported"))
	}
	if trimmed[0] != '{' {
		return nil, NewErrMalformedRequest(fmt.Errorf("request body must be a JSON object"))
	}

	req := &JsonRpcRequest{}
	if err := json.Unmarshal(trimmed, req); err != nil {
		return nil, NewErrMalformedRequest(err)
	}
	if req.Method == "" {
		return nil, NewErrMalformedRequest(fmt.Errorf("missing method"))
	}
	if req.ID == nil {
		// Notifications are handled as calls with a null id so the client
		// still gets an envelope back.
		req.ID = json.RawMessage("null")
	}
	return req, nil
}

// NewJsonRpcResult builds a success envelope echoing the given client id.
func NewJsonRpcResult(id json.RawMessage, result json.RawMessage) *JsonRpcResponse {
	return &JsonRpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewJsonRpcErrorResponse builds an error envelope echoing the given client id.
func NewJsonRpcErrorResponse(id json.RawMessage, code int, message string) *JsonRpcResponse {
	return &JsonRpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JsonRpcError{Code: code, Message: message},
	}
}

// WithID returns a shallow copy of the response with the id replaced, so the
// client always sees its own id regardless of what the upstream echoed.
func (r *JsonRpcResponse) WithID(id json.RawMessage) *JsonRpcResponse {
	cp := *r
	cp.ID = id
	if cp.JSONRPC == "" {
		cp.JSONRPC = "2.0"
	}
	return &cp
}

// IsServerSideError reports whether the envelope error is in the retryable
// server error class: -32603 or the -32000..-32099 range.
func (e *JsonRpcError) IsServerSideError() bool {
	if e.Code == JsonRpcErrorInternal {
		return true
	}
	return e.Code >= JsonRpcErrorServerSideMin && e.Code <= JsonRpcErrorServerSideMax
}

// IsClientSideError reports whether the envelope error denotes a request the
// upstream will never accept.
func (e *JsonRpcError) IsClientSideError() bool {
	switch e.Code {
	case JsonRpcErrorParseError, JsonRpcErrorInvalidRequest,
		JsonRpcErrorMethodNotFound, JsonRpcErrorInvalidParams:
		return true
	}
	return false
}

// CanonicalParams re-serializes raw params into a canonical compact form:
// object keys sorted recursively, no insignificant whitespace. The result is
// stable across requests that differ only in field order or formatting.
func CanonicalParams(params json.RawMessage) ([]byte, error) {
	if len(params) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		return []byte("[]"), nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v interface{}) error {
	switch tv := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(tv))
	case json.Number:
		sb.WriteString(tv.String())
	case string:
		b, err := json.Marshal(tv)
		if err != nil {
			return err
		}
		sb.Write(b)
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range tv {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, tv[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value type %T", v)
	}
	return nil
}
