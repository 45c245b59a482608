package server

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// Sender is the outbound half of a worker connection.
type Sender interface {
	Send(frame []byte) error
}

// Registry maps shard ids to the sender of the connection that owns them.
// Lookups are lock-free; mutations are serialised by mu.
type Registry struct {
	mu     sync.Mutex
	shards *hashmap.Map[string, Sender]
	names  atomic.Pointer[[]string]
}

func NewRegistry() *Registry {
	r := &Registry{shards: hashmap.New[string, Sender]()}
	r.names.Store(&[]string{})
	return r
}

// Register installs s under shard. A previous sender for the same shard is
// replaced and returned; it stays usable only by whoever still holds it.
func (r *Registry) Register(shard string, s Sender) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, replaced := r.shards.Get(shard)
	r.shards.Set(shard, s)
	r.refreshNames()
	return old, replaced
}

// Deregister removes shard only if it is still owned by s, so a closing
// connection never evicts the connection that replaced it.
func (r *Registry) Deregister(shard string, s Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.shards.Get(shard)
	if !ok || cur != s {
		return false
	}
	r.shards.Del(shard)
	r.refreshNames()
	return true
}

func (r *Registry) Get(shard string) (Sender, bool) {
	return r.shards.Get(shard)
}

// Shards returns the registered shard ids in sorted order.
func (r *Registry) Shards() []string {
	return *r.names.Load()
}

func (r *Registry) Len() int {
	return len(r.Shards())
}

// refreshNames must be called with mu held.
func (r *Registry) refreshNames() {
	names := make([]string, 0, r.shards.Len())
	r.shards.Range(func(k string, _ Sender) bool {
		names = append(names, k)
		return true
	})
	sort.Strings(names)
	r.names.Store(&names)
}
