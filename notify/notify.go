// Package notify implements the NotificationRegistry (spec section 4.5): a
// map from characteristic locator to the set of handlers subscribed to its
// value updates, plus the bookkeeping needed to decide when set_notify
// should be issued on the wire.
package notify

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/srg/blegate/locator"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Handler receives the raw bytes of a characteristic value update. It is
// invoked sequentially with other handlers on the same locator, in
// registration order; a panicking handler is recovered and does not
// prevent subsequent handlers in the same fan-out from running, though it
// does delay them (spec section 4.5).
type Handler func(data []byte)

// SubscriptionID uniquely identifies one registered handler.
type SubscriptionID uint64

type bucket struct {
	loc  locator.Locator
	subs *orderedmap.OrderedMap[SubscriptionID, Handler]
}

// Registry keeps one bucket per locator. The bucket map is a lock-free
// cornelk/hashmap, so finding or inserting a bucket is safe from any
// goroutine, but each bucket's handler set is a plain ordered map with no
// locking of its own: calls that touch the same locator (Register,
// Deregister, HasAny, FanOut, Locators) must not run concurrently.
type Registry struct {
	buckets *hashmap.Map[string, *bucket]
	nextID  atomic.Uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{buckets: hashmap.New[string, *bucket]()}
}

// Register adds handler for loc and returns its SubscriptionID. The
// subscription is recorded even if loc has not been discovered yet; the
// post-connect pipeline is responsible for issuing set_notify(true) once
// discovery reveals the characteristic (spec section 4.5).
func (r *Registry) Register(loc locator.Locator, handler Handler) SubscriptionID {
	id := SubscriptionID(r.nextID.Add(1))
	key := loc.String()
	b, _ := r.buckets.GetOrInsert(key, &bucket{loc: loc, subs: orderedmap.New[SubscriptionID, Handler]()})
	b.subs.Set(id, handler)
	return id
}

// Deregister removes id from loc's handler set. Idempotent: deregistering
// an id that is not present (already removed, or never existed) is a
// silent no-op, returning wasLast=false (spec section 8, invariant 8).
func (r *Registry) Deregister(loc locator.Locator, id SubscriptionID) (wasLast bool) {
	key := loc.String()
	b, ok := r.buckets.Get(key)
	if !ok {
		return false
	}
	if _, present := b.subs.Get(id); !present {
		return false
	}
	b.subs.Delete(id)
	return b.subs.Len() == 0
}

// HasAny reports whether loc currently has at least one registered
// handler, used to decide whether set_notify(true) should be (re)issued.
func (r *Registry) HasAny(loc locator.Locator) bool {
	b, ok := r.buckets.Get(loc.String())
	return ok && b.subs.Len() > 0
}

// FanOut delivers data to every handler registered for loc, sequentially,
// in registration order, recovering from any handler panic so that it
// cannot prevent subsequent handlers from running.
func (r *Registry) FanOut(loc locator.Locator, data []byte) {
	b, ok := r.buckets.Get(loc.String())
	if !ok {
		return
	}
	for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
		invoke(pair.Value, data)
	}
}

func invoke(h Handler, data []byte) {
	defer func() { _ = recover() }()
	h(data)
}

// Locators returns every locator with at least one registered handler.
// Used by the post-connect pipeline to decide which freshly-discovered
// characteristics need set_notify(true).
func (r *Registry) Locators() []locator.Locator {
	var out []locator.Locator
	r.buckets.Range(func(_ string, b *bucket) bool {
		if b.subs.Len() > 0 {
			out = append(out, b.loc)
		}
		return true
	})
	return out
}
