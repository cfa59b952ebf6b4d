package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/rpc"
)

// Middleware limits requests per client IP. Paths in publicPaths, or under a
// "prefix/*" entry, are never limited.
func Middleware(limiter *Limiter, publicPaths []string) func(http.Handler) http.Handler {
	public := newPathSet(publicPaths)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public.contains(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), KeyForIP(getClientIP(r)))
			if err != nil {
				// fail open
				logging.Op().Warn("rate limit check failed", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(remote.HTTPStatus(rpc.CodeLimited))
				json.NewEncoder(w).Encode(remote.ErrorBody{
					Code:    rpc.CodeLimited.String(),
					Message: "too many requests, please retry later",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

type pathSet struct {
	exact    map[string]bool
	prefixes []string
}

func newPathSet(paths []string) pathSet {
	ps := pathSet{exact: make(map[string]bool, len(paths))}
	for _, p := range paths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasSuffix(prefix, "/") {
			ps.prefixes = append(ps.prefixes, prefix)
			continue
		}
		ps.exact[p] = true
	}
	return ps
}

func (ps pathSet) contains(path string) bool {
	if ps.exact[path] {
		return true
	}
	for _, prefix := range ps.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection's remote address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
