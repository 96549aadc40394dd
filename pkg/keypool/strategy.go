package keypool

import (
	"sort"
	"sync"

	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

// Strategy reorders a slice of already-eligible candidates before the pool
// walks them in order, following the pure-function
// (keys, strategyTag) -> keys' shape the design calls for: injected via a
// getter so the selection policy can change at runtime.
type Strategy interface {
	Name() string
	Reorder(candidates []*upstreamkey.Key) []*upstreamkey.Key
}

// NewStrategy returns the named Strategy, defaulting to round-robin for any
// unrecognized name.
func NewStrategy(name string) Strategy {
	switch name {
	case "least_used":
		return &leastUsedStrategy{}
	default:
		return &roundRobinStrategy{}
	}
}

// roundRobinStrategy keeps candidates in (lastUsedAt asc, createdAt asc)
// order, which the store already produces; each successive selection call
// therefore walks forward through the stalest keys first, and picking one
// updates its lastUsedAt so it cycles to the back of the next window.
type roundRobinStrategy struct{}

func (s *roundRobinStrategy) Name() string { return "round_robin" }

func (s *roundRobinStrategy) Reorder(candidates []*upstreamkey.Key) []*upstreamkey.Key {
	return candidates
}

// leastUsedStrategy additionally breaks ties by remaining credits,
// preferring the candidate with the most headroom among equally stale
// keys.
type leastUsedStrategy struct{}

func (s *leastUsedStrategy) Name() string { return "least_used" }

func (s *leastUsedStrategy) Reorder(candidates []*upstreamkey.Key) []*upstreamkey.Key {
	out := make([]*upstreamkey.Key, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.Before(out[j].LastUsedAt)
		}
		ri, rj := remaining(out[i]), remaining(out[j])
		return ri > rj
	})
	return out
}

func remaining(k *upstreamkey.Key) float64 {
	if k.CreditsRemaining == nil {
		return 0
	}
	return *k.CreditsRemaining
}

// registry allows callers (e.g. an admin plane) to swap the active
// strategy at runtime without restarting the pool.
type registry struct {
	mu       sync.RWMutex
	strategy Strategy
}

func newRegistry(initial Strategy) *registry {
	return &registry{strategy: initial}
}

func (r *registry) get() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

func (r *registry) set(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
}
