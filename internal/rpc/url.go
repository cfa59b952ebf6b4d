package rpc

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Well-known URL parameter keys.
const (
	ParamApplication = "application"
	ParamLoadBalance = "loadbalance"
	ParamRetries     = "retries"
	ParamWeight      = "weight"
	ParamTimeout     = "timeout"
	ParamCluster     = "cluster"
)

// URL identifies one provider endpoint:
//
//	grpc://10.0.0.7:9090/orders.OrderService?application=orders&weight=100
//
// Path carries the service name; parameters carry provider metadata such as
// the owning application, which the broadcast strategy uses for dedup.
type URL struct {
	Protocol string
	Host     string
	Port     int
	Service  string
	Params   map[string]string
}

// ParseURL parses a provider URL string. The service path is optional.
func ParseURL(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("url %q has no protocol", raw)
	}

	out := &URL{
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Service:  strings.TrimPrefix(u.Path, "/"),
		Params:   make(map[string]string),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("url %q: invalid port %q", raw, p)
		}
		out.Port = port
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			out.Params[k] = v[0]
		}
	}
	return out, nil
}

// MustParseURL is ParseURL for static inputs; it panics on error.
func MustParseURL(raw string) *URL {
	u, err := ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Address returns host:port.
func (u *URL) Address() string {
	if u.Port == 0 {
		return u.Host
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Param returns the named parameter or "".
func (u *URL) Param(key string) string {
	if u == nil || u.Params == nil {
		return ""
	}
	return u.Params[key]
}

// ParamOr returns the named parameter, or def when it is missing.
func (u *URL) ParamOr(key, def string) string {
	if v := u.Param(key); v != "" {
		return v
	}
	return def
}

// IntParam returns the named parameter as an int, or def when it is missing
// or malformed.
func (u *URL) IntParam(key string, def int) int {
	v := u.Param(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// WithParam returns a copy of u with key set to value.
func (u *URL) WithParam(key, value string) *URL {
	c := *u
	c.Params = make(map[string]string, len(u.Params)+1)
	for k, v := range u.Params {
		c.Params[k] = v
	}
	c.Params[key] = value
	return &c
}

// String renders the URL with parameters in sorted order so equal URLs
// produce equal strings.
func (u *URL) String() string {
	if u == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Address())
	if u.Service != "" {
		b.WriteByte('/')
		b.WriteString(u.Service)
	}
	if len(u.Params) > 0 {
		keys := make([]string, 0, len(u.Params))
		for k := range u.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(u.Params[k]))
		}
	}
	return b.String()
}
