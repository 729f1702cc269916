package peripheral

import (
	"time"

	"github.com/cornelk/hashmap"
)

// Registry is an optional convenience a central can use to track live
// Coordinators by address and sweep the ones that have gone stale (spec
// section 4.9), instead of hand-rolling its own bookkeeping. Nothing in
// Coordinator itself depends on this type; a central is free to manage
// its own Coordinator lifetimes.
type Registry struct {
	coords *hashmap.Map[string, *Coordinator]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{coords: hashmap.New[string, *Coordinator]()}
}

// Put records coord under address, replacing any previous entry.
func (r *Registry) Put(address string, coord *Coordinator) {
	r.coords.Set(address, coord)
}

// Get returns the Coordinator registered for address, if any.
func (r *Registry) Get(address string) (*Coordinator, bool) {
	return r.coords.Get(address)
}

// Remove drops address from the registry. Idempotent.
func (r *Registry) Remove(address string) {
	r.coords.Del(address)
}

// Len reports how many coordinators are currently tracked.
func (r *Registry) Len() int {
	return r.coords.Len()
}

// Sweep reports the addresses of every tracked Coordinator whose snapshot
// is stale per interval (spec section 4.9), without removing them — the
// caller decides whether a stale entry means "disconnect and forget" or
// just "flag for attention".
func (r *Registry) Sweep(interval time.Duration) []string {
	var stale []string
	r.coords.Range(func(address string, coord *Coordinator) bool {
		if coord.Snapshot().IsStale(interval) {
			stale = append(stale, address)
		}
		return true
	})
	return stale
}
