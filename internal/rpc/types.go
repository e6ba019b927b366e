package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC request in command format:
// {"method": "settlement_execute", "params": [{...}]}
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// Error is a structured RPC error carried inside the result object.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"error_message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an RPC error.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errMethodNotFound(method string) *Error {
	return NewError("unknownCmd", "method %q is not known", method)
}

func errInvalidParams(err error) *Error {
	return NewError("invalidParams", "invalid parameters: %v", err)
}

// Handler executes one RPC method.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, *Error)

// MethodRegistry maps method names to handlers.
type MethodRegistry struct {
	handlers map[string]Handler
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler under a method name.
func (r *MethodRegistry) Register(method string, h Handler) {
	r.handlers[method] = h
}

// Get looks up a handler.
func (r *MethodRegistry) Get(method string) (Handler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the registered method names.
func (r *MethodRegistry) Methods() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
