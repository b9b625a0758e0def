// Package protocol defines the wire protocol spoken between the gateway and
// its peers (clients, nodes, and channel adapters): framed JSON over a single
// WebSocket, three frame shapes, and the shared message types that cross it.
//
// Frame shapes:
//
//	req: {"type":"req","id":"...","method":"...","params":{...}}
//	res: {"type":"res","id":"...","ok":true,"payload":{...}}
//	     {"type":"res","id":"...","ok":false,"error":{...}}
//	evt: {"type":"evt","event":"...","payload":{...}}
//
// A req expects exactly one res with the same id. Events are fire-and-forget
// in both directions.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on breaking wire changes. Peers send their
// minimum supported version in connect params.
const ProtocolVersion = 3

// Frame type discriminators.
const (
	TypeReq = "req"
	TypeRes = "res"
	TypeEvt = "evt"
)

// Frame is the decoded envelope for any incoming frame. Exactly the fields
// relevant to the declared Type are populated; the rest stay zero.
type Frame struct {
	Type string `json:"type"`

	// req / res
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// evt
	Event string `json:"event,omitempty"`
}

// Valid reports whether the frame is structurally sound for its type.
func (f *Frame) Valid() bool {
	switch f.Type {
	case TypeReq:
		return f.ID != "" && f.Method != ""
	case TypeRes:
		return f.ID != "" && f.OK != nil
	case TypeEvt:
		return f.Event != ""
	default:
		return false
	}
}

// ResFrame is an outgoing response frame.
type ResFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// NewOK builds a successful response for a request id.
func NewOK(id string, payload interface{}) *ResFrame {
	return &ResFrame{Type: TypeRes, ID: id, OK: true, Payload: payload}
}

// NewFail builds an error response for a request id.
func NewFail(id string, shape *ErrorShape) *ResFrame {
	return &ResFrame{Type: TypeRes, ID: id, OK: false, Error: shape}
}

// ReqFrame is an outgoing request frame (gateway → peer, or the chat client).
type ReqFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// NewReq builds a request frame.
func NewReq(id, method string, params interface{}) *ReqFrame {
	return &ReqFrame{Type: TypeReq, ID: id, Method: method, Params: params}
}

// EventFrame is an outgoing event frame.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: TypeEvt, Event: event, Payload: payload}
}

// ErrorShape is the wire form of any failure crossing the protocol.
type ErrorShape struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// Error codes. HTTP-flavored where an HTTP analogue exists; the low codes
// are protocol-specific.
const (
	CodeNotConnected = 101 // any method other than connect before connect
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeNotFound     = 404
	CodeInternal     = 500
	CodeUnavailable  = 503
)

// CloseEvicted is the WebSocket close code used when the gateway evicts a
// desynced peer during rehydration.
const CloseEvicted = 4000

// RpcError is an error that carries a protocol code across handler
// boundaries. Handlers return it when they want a specific code on the
// wire; anything else is coerced to CodeInternal.
type RpcError struct {
	Code      int
	Message   string
	Details   interface{}
	Retryable bool
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Shape converts the error to its wire form.
func (e *RpcError) Shape() *ErrorShape {
	return &ErrorShape{Code: e.Code, Message: e.Message, Details: e.Details, Retryable: e.Retryable}
}

// NewRpcError builds an RpcError with a code and formatted message.
func NewRpcError(code int, format string, args ...interface{}) *RpcError {
	return &RpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CoerceError maps any handler error to a wire error shape. RpcError keeps
// its code; everything else becomes a 500.
func CoerceError(err error) *ErrorShape {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RpcError); ok {
		return re.Shape()
	}
	return &ErrorShape{Code: CodeInternal, Message: err.Error()}
}
