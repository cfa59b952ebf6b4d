package loadbalance

import (
	"sync"
	"sync/atomic"

	"github.com/oriys/quasar/internal/rpc"
)

// active counts in-flight calls per endpoint URL.
var active sync.Map // url string -> *atomic.Int64

func counter(u *rpc.URL) *atomic.Int64 {
	key := u.String()
	if v, ok := active.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := active.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// BeginCall marks a call to u as started.
func BeginCall(u *rpc.URL) {
	counter(u).Add(1)
}

// EndCall marks a call to u as finished.
func EndCall(u *rpc.URL) {
	counter(u).Add(-1)
}

// Active returns the number of in-flight calls to u.
func Active(u *rpc.URL) int64 {
	return counter(u).Load()
}
