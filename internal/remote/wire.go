// Package remote implements the transports that reach providers: a generic
// gRPC method carrying structpb payloads and a JSON-over-HTTP endpoint.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/quasar/internal/rpc"
)

// Generic gRPC service every provider exports.
const (
	GRPCServiceName = "quasar.Invoke"
	GRPCMethodName  = "Call"
	GRPCMethod      = "/" + GRPCServiceName + "/" + GRPCMethodName
)

// Metadata keys sent with every remote call.
const (
	MetadataRequestID = "x-request-id"
	MetadataForwarded = "x-quasar-forwarded"
)

// Request is the transport-neutral body of a call. It is the HTTP JSON body
// and the shape of the gRPC struct payload.
type Request struct {
	Service        string            `json:"service,omitempty"`
	Method         string            `json:"method,omitempty"`
	ParameterTypes []string          `json:"parameter_types,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Attachments    map[string]string `json:"attachments,omitempty"`
}

// Response is the body of a successful call.
type Response struct {
	Value       json.RawMessage   `json:"value,omitempty"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

// ErrorBody is the body of a failed HTTP call.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds the wire request for inv against service.
func NewRequest(service string, inv *rpc.Invocation) *Request {
	return &Request{
		Service:        service,
		Method:         inv.Method,
		ParameterTypes: inv.ParameterTypes,
		Arguments:      inv.Arguments,
		Attachments:    inv.Attachments,
	}
}

// Invocation converts the wire request back into an invocation.
func (r *Request) Invocation() *rpc.Invocation {
	attachments := r.Attachments
	if attachments == nil {
		attachments = make(map[string]string)
	}
	return &rpc.Invocation{
		Method:         r.Method,
		ParameterTypes: r.ParameterTypes,
		Arguments:      r.Arguments,
		Attachments:    attachments,
	}
}

// EncodeRequest packs r into a struct. Arguments travel as raw JSON strings
// so that numbers and nested objects survive unchanged.
func EncodeRequest(r *Request) (*structpb.Struct, error) {
	types := make([]any, len(r.ParameterTypes))
	for i, t := range r.ParameterTypes {
		types[i] = t
	}
	args := make([]any, len(r.Arguments))
	for i, a := range r.Arguments {
		args[i] = string(a)
	}
	return structpb.NewStruct(map[string]any{
		"service":         r.Service,
		"method":          r.Method,
		"parameter_types": types,
		"arguments":       args,
		"attachments":     stringMap(r.Attachments),
	})
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(s *structpb.Struct) (*Request, error) {
	fields := s.GetFields()
	r := &Request{
		Service:     fields["service"].GetStringValue(),
		Method:      fields["method"].GetStringValue(),
		Attachments: fromStruct(fields["attachments"].GetStructValue()),
	}
	if r.Method == "" {
		return nil, fmt.Errorf("request has no method")
	}
	for _, v := range fields["parameter_types"].GetListValue().GetValues() {
		r.ParameterTypes = append(r.ParameterTypes, v.GetStringValue())
	}
	for i, v := range fields["arguments"].GetListValue().GetValues() {
		raw := v.GetStringValue()
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("argument %d is not valid JSON", i)
		}
		r.Arguments = append(r.Arguments, json.RawMessage(raw))
	}
	return r, nil
}

// EncodeResult packs res into a struct.
func EncodeResult(res *rpc.Result) (*structpb.Struct, error) {
	value := ""
	if res != nil {
		value = string(res.Value)
	}
	var attachments map[string]string
	if res != nil {
		attachments = res.Attachments
	}
	return structpb.NewStruct(map[string]any{
		"value":       value,
		"attachments": stringMap(attachments),
	})
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(s *structpb.Struct) (*rpc.Result, error) {
	fields := s.GetFields()
	res := &rpc.Result{Attachments: fromStruct(fields["attachments"].GetStructValue())}
	if raw := fields["value"].GetStringValue(); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("result value is not valid JSON")
		}
		res.Value = json.RawMessage(raw)
	}
	return res, nil
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func fromStruct(s *structpb.Struct) map[string]string {
	fields := s.GetFields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.GetStringValue()
	}
	return out
}

// StatusFromError converts an invocation error into a gRPC status error.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	var re *rpc.RPCError
	if !errors.As(err, &re) {
		if _, ok := status.FromError(err); ok {
			return err
		}
		re = rpc.WrapError(err)
	}
	return status.Error(grpcCode(re.Code), re.Error())
}

func grpcCode(c rpc.Code) codes.Code {
	switch c {
	case rpc.CodeBiz:
		return codes.Unknown
	case rpc.CodeTimeout:
		return codes.DeadlineExceeded
	case rpc.CodeNetwork, rpc.CodeNoInvoker:
		return codes.Unavailable
	case rpc.CodeForbidden:
		return codes.PermissionDenied
	case rpc.CodeLimited:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// ErrorFromStatus converts a gRPC client error into an RPCError.
func ErrorFromStatus(err error) *rpc.RPCError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return rpc.WrapError(err)
	}
	var code rpc.Code
	switch st.Code() {
	case codes.Unknown, codes.InvalidArgument:
		code = rpc.CodeBiz
	case codes.DeadlineExceeded:
		code = rpc.CodeTimeout
	case codes.Unavailable:
		code = rpc.CodeNetwork
	case codes.PermissionDenied:
		code = rpc.CodeForbidden
	case codes.ResourceExhausted:
		code = rpc.CodeLimited
	default:
		code = rpc.CodeUnknown
	}
	return &rpc.RPCError{Code: code, Message: st.Message(), Cause: err}
}
