// Package rpc defines the invocation model shared by every cluster strategy:
// invocations, results, invokers, provider URLs, the RPCError kind and the
// call-scoped context strategies publish their resolved invokers to.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Attachment keys carried on invocations and results.
const (
	AttachRequestID = "request-id"
	AttachService   = "service"
	AttachProvider  = "provider"
)

// Invocation describes one logical call. It is owned by the caller and
// treated as read-only by invokers and strategies.
type Invocation struct {
	Method         string            `json:"method"`
	ParameterTypes []string          `json:"parameter_types,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Attachments    map[string]string `json:"attachments,omitempty"`
}

// NewInvocation encodes args as JSON and returns an invocation for method.
// ParameterTypes is left empty; set it explicitly when the provider
// dispatches on overloads.
func NewInvocation(method string, args ...any) (*Invocation, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d of %s: %w", i, method, err)
		}
		raw = append(raw, b)
	}
	return &Invocation{
		Method:      method,
		Arguments:   raw,
		Attachments: make(map[string]string),
	}, nil
}

// Attachment returns the named attachment or "".
func (inv *Invocation) Attachment(key string) string {
	if inv == nil || inv.Attachments == nil {
		return ""
	}
	return inv.Attachments[key]
}

// WithAttachment returns a shallow copy of inv with key set. The receiver is
// not modified.
func (inv *Invocation) WithAttachment(key, value string) *Invocation {
	c := *inv
	c.Attachments = make(map[string]string, len(inv.Attachments)+1)
	for k, v := range inv.Attachments {
		c.Attachments[k] = v
	}
	c.Attachments[key] = value
	return &c
}

// Result is a successful return value.
type Result struct {
	Value       json.RawMessage   `json:"value,omitempty"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

// NewResult encodes v as the result value.
func NewResult(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Result{Value: b}, nil
}

// Decode unmarshals the result value into out.
func (r *Result) Decode(out any) error {
	if r == nil || len(r.Value) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(r.Value, out)
}
