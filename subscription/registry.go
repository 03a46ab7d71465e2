// Package subscription keeps track of which observers want which kinds of
// network change events.
package subscription

import (
	"slices"
	"sync"

	"github.com/nyiyui/netcfg/change"
	"golang.org/x/exp/maps"
)

// Identity is an opaque, transport-assigned observer name
// (e.g. a D-Bus unique name or an rpc2 connection id).
type Identity string

type Subscriber struct {
	Identity Identity
	Mask     change.Mask
}

// Registry maps observer identities to filter masks.
// It is safe for concurrent use.
type Registry struct {
	subs     map[Identity]change.Mask
	subsLock sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{subs: map[Identity]change.Mask{}}
}

// Subscribe sets the mask for id, replacing any existing one.
func (r *Registry) Subscribe(id Identity, mask change.Mask) {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()
	r.subs[id] = mask
}

// Unsubscribe removes id. Unknown identities are ignored.
func (r *Registry) Unsubscribe(id Identity) {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()
	delete(r.subs, id)
}

// Subscribed reports whether id has a mask registered, and which.
func (r *Registry) Subscribed(id Identity) (change.Mask, bool) {
	r.subsLock.RLock()
	defer r.subsLock.RUnlock()
	mask, ok := r.subs[id]
	return mask, ok
}

// MatchingSubscribers returns the identities whose mask selects ev's kind, in
// ascending order.
func (r *Registry) MatchingSubscribers(ev change.Event) []Identity {
	r.subsLock.RLock()
	defer r.subsLock.RUnlock()
	var ids []Identity
	for id, mask := range r.subs {
		if change.Matches(mask, ev.Kind) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// List returns every subscriber ordered by identity.
func (r *Registry) List() []Subscriber {
	r.subsLock.RLock()
	defer r.subsLock.RUnlock()
	ids := maps.Keys(r.subs)
	slices.Sort(ids)
	out := make([]Subscriber, len(ids))
	for i, id := range ids {
		out[i] = Subscriber{Identity: id, Mask: r.subs[id]}
	}
	return out
}

func (r *Registry) Len() int {
	r.subsLock.RLock()
	defer r.subsLock.RUnlock()
	return len(r.subs)
}
