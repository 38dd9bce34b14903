package websocket

import (
	"sync"

	"learnsync/pkg/interfaces"
)

// Registry tracks live feed subscribers by id.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]interfaces.Subscriber
}

func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[string]interfaces.Subscriber)}
}

// Register adds sub. A closed subscriber is refused.
func (r *Registry) Register(sub interfaces.Subscriber) error {
	if sub == nil {
		return ErrNilConnection
	}
	if sub.IsClosed() {
		return ErrConnectionClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[sub.ID()] = sub
	return nil
}

// Unregister removes sub if it is the instance registered under its id.
// Calling it twice is harmless.
func (r *Registry) Unregister(sub interfaces.Subscriber) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if registered, ok := r.subscribers[sub.ID()]; ok && registered == sub {
		delete(r.subscribers, sub.ID())
	}
}

func (r *Registry) Get(id string) (interfaces.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subscribers[id]
	return sub, ok
}

// Subscribers returns a snapshot safe to iterate without the lock.
func (r *Registry) Subscribers() []interfaces.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{"subscribers": len(r.subscribers)}
}
