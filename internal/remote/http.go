package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/rpc"
)

// Headers set on forwarded HTTP calls.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderForwarded = "X-Quasar-Forwarded"
)

// HTTPProtocol refers invokers that POST invocations as JSON to
// {base}/services/{service}/{method}.
type HTTPProtocol struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProtocol creates an HTTP protocol with the given default timeout.
func NewHTTPProtocol(timeout time.Duration) *HTTPProtocol {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProtocol{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// NewHTTPProtocolWithClient uses client for all calls, e.g. an httptest
// server's client.
func NewHTTPProtocolWithClient(client *http.Client, timeout time.Duration) *HTTPProtocol {
	p := NewHTTPProtocol(timeout)
	p.client = client
	return p
}

func (p *HTTPProtocol) Refer(u *rpc.URL) (rpc.Invoker, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("http provider url %q has no host", u.String())
	}
	scheme := "http"
	if u.Protocol == "https" {
		scheme = "https"
	}
	return &HTTPInvoker{
		protocol: p,
		url:      u,
		base:     scheme + "://" + u.Address(),
	}, nil
}

func (p *HTTPProtocol) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// HTTPInvoker calls one provider over HTTP.
type HTTPInvoker struct {
	protocol *HTTPProtocol
	url      *rpc.URL
	base     string
	closed   atomic.Bool
}

func (i *HTTPInvoker) Invoke(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
	if i.closed.Load() {
		return nil, rpc.NewError(rpc.CodeNetwork, "invoker for %s is closed", i.url.Address())
	}

	body, err := json.Marshal(&Request{
		ParameterTypes: inv.ParameterTypes,
		Arguments:      inv.Arguments,
		Attachments:    inv.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	target := fmt.Sprintf("%s/services/%s/%s", strings.TrimRight(i.base, "/"),
		url.PathEscape(i.url.Service), url.PathEscape(inv.Method))

	if _, ok := ctx.Deadline(); !ok {
		timeout := i.protocol.timeout
		if ms := i.url.IntParam(rpc.ParamTimeout, 0); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := observability.StartClientSpan(ctx, "http "+inv.Method,
		observability.AttrService.String(i.url.Service),
		observability.AttrMethod.String(inv.Method),
		observability.AttrEndpoint.String(i.url.Address()),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderForwarded, "true")
	if id := inv.Attachment(rpc.AttachRequestID); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	tc := observability.ExtractTraceContext(ctx)
	if tc.TraceParent != "" {
		req.Header.Set("traceparent", tc.TraceParent)
		if tc.TraceState != "" {
			req.Header.Set("tracestate", tc.TraceState)
		}
	}

	resp, err := i.protocol.client.Do(req)
	if err != nil {
		re := transportError(ctx, i.url, err)
		observability.SetSpanError(span, re)
		return nil, re
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		re := transportError(ctx, i.url, err)
		observability.SetSpanError(span, re)
		return nil, re
	}

	if resp.StatusCode >= 400 {
		re := httpError(resp.StatusCode, respBody)
		observability.SetSpanError(span, re)
		return nil, re
	}

	var out Response
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			observability.SetSpanError(span, err)
			return nil, fmt.Errorf("decode response from %s: %w", i.url.Address(), err)
		}
	}
	observability.SetSpanOK(span)
	return &rpc.Result{Value: out.Value, Attachments: out.Attachments}, nil
}

func transportError(ctx context.Context, u *rpc.URL, err error) *rpc.RPCError {
	code := rpc.CodeNetwork
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = rpc.CodeTimeout
	}
	return &rpc.RPCError{
		Code:    code,
		Message: fmt.Sprintf("call %s: %v", u.Address(), err),
		Cause:   err,
	}
}

// httpError prefers the code carried in the error body and falls back to
// the status code.
func httpError(statusCode int, body []byte) *rpc.RPCError {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Code != "" {
		return &rpc.RPCError{Code: rpc.ParseCode(eb.Code), Message: eb.Message}
	}

	code := rpc.CodeUnknown
	switch statusCode {
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		code = rpc.CodeTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		code = rpc.CodeNetwork
	case http.StatusForbidden:
		code = rpc.CodeForbidden
	case http.StatusTooManyRequests:
		code = rpc.CodeLimited
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		code = rpc.CodeBiz
	}
	return &rpc.RPCError{
		Code:    code,
		Message: fmt.Sprintf("remote invoke failed (status %d): %s", statusCode, bytes.TrimSpace(body)),
	}
}

// HTTPStatus is the status a server writes for an error of code c.
func HTTPStatus(c rpc.Code) int {
	switch c {
	case rpc.CodeBiz:
		return http.StatusUnprocessableEntity
	case rpc.CodeTimeout:
		return http.StatusGatewayTimeout
	case rpc.CodeNetwork, rpc.CodeNoInvoker:
		return http.StatusServiceUnavailable
	case rpc.CodeForbidden:
		return http.StatusForbidden
	case rpc.CodeLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (i *HTTPInvoker) URL() *rpc.URL { return i.url }

func (i *HTTPInvoker) IsAvailable() bool { return !i.closed.Load() }

func (i *HTTPInvoker) Close() error {
	i.closed.Store(true)
	return nil
}
