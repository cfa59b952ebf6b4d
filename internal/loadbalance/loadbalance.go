// Package loadbalance selects one invoker out of many for the cluster
// strategies that call a single provider per attempt (failover, failfast,
// failsafe). Broadcast receives a LoadBalance too but never consults it.
package loadbalance

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/oriys/quasar/internal/rpc"
)

// Strategy names accepted by Get.
const (
	Random      = "random"
	RoundRobin  = "roundrobin"
	LeastActive = "leastactive"
)

const defaultWeight = 100

// LoadBalance picks the invoker for the next attempt.
type LoadBalance interface {
	Select(invokers []rpc.Invoker, inv *rpc.Invocation) (rpc.Invoker, error)
	Name() string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]LoadBalance{
		Random:      &randomLB{},
		RoundRobin:  newRoundRobin(),
		LeastActive: &leastActiveLB{},
	}
)

// Get returns the load balancer registered under name, falling back to
// random for unknown or empty names.
func Get(name string) LoadBalance {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if lb, ok := registry[name]; ok {
		return lb
	}
	return registry[Random]
}

// Register adds or replaces a named load balancer.
func Register(lb LoadBalance) {
	registryMu.Lock()
	registry[lb.Name()] = lb
	registryMu.Unlock()
}

func preSelect(invokers []rpc.Invoker) (rpc.Invoker, error) {
	switch len(invokers) {
	case 0:
		return nil, rpc.NoInvokerError("no invokers to select from")
	case 1:
		return invokers[0], nil
	}
	return nil, nil
}

func weightOf(inv rpc.Invoker) int {
	w := inv.URL().IntParam(rpc.ParamWeight, defaultWeight)
	if w < 0 {
		return 0
	}
	return w
}

// randomLB picks by weight; equal weights degrade to a uniform pick.
type randomLB struct{}

func (r *randomLB) Name() string { return Random }

func (r *randomLB) Select(invokers []rpc.Invoker, inv *rpc.Invocation) (rpc.Invoker, error) {
	if one, err := preSelect(invokers); one != nil || err != nil {
		return one, err
	}

	total := 0
	same := true
	first := weightOf(invokers[0])
	for _, iv := range invokers {
		w := weightOf(iv)
		total += w
		if w != first {
			same = false
		}
	}
	if total > 0 && !same {
		offset := rand.Intn(total)
		for _, iv := range invokers {
			offset -= weightOf(iv)
			if offset < 0 {
				return iv, nil
			}
		}
	}
	return invokers[rand.Intn(len(invokers))], nil
}

// roundRobinLB keeps one counter per service method.
type roundRobinLB struct {
	mu       sync.Mutex
	counters map[string]int
}

func newRoundRobin() *roundRobinLB {
	return &roundRobinLB{counters: make(map[string]int)}
}

func (r *roundRobinLB) Name() string { return RoundRobin }

func (r *roundRobinLB) Select(invokers []rpc.Invoker, inv *rpc.Invocation) (rpc.Invoker, error) {
	if one, err := preSelect(invokers); one != nil || err != nil {
		return one, err
	}

	key := fmt.Sprintf("%s.%s", invokers[0].URL().Service, inv.Method)

	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.counters[key] % len(invokers)
	r.counters[key]++
	return invokers[index], nil
}

// leastActiveLB picks the invoker with the fewest in-flight calls, breaking
// ties at random.
type leastActiveLB struct{}

func (l *leastActiveLB) Name() string { return LeastActive }

func (l *leastActiveLB) Select(invokers []rpc.Invoker, inv *rpc.Invocation) (rpc.Invoker, error) {
	if one, err := preSelect(invokers); one != nil || err != nil {
		return one, err
	}

	least := int64(-1)
	var candidates []rpc.Invoker
	for _, iv := range invokers {
		active := Active(iv.URL())
		switch {
		case least < 0 || active < least:
			least = active
			candidates = append(candidates[:0], iv)
		case active == least:
			candidates = append(candidates, iv)
		}
	}
	return candidates[rand.Intn(len(candidates))], nil
}
