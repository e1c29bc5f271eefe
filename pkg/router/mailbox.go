package router

import (
	"sync"

	"github.com/liminal-dev/liminal/pkg/types"
)

// Mailbox is the capability handle dispatch hands a Message to once
// it clears the pause-point gate. The Core Facade registers one per
// agent; it is the router's only write path into agent-visible state
// (spec §9).
type Mailbox interface {
	Deliver(msg types.Message) error
}

// MailboxFunc adapts a function to a Mailbox.
type MailboxFunc func(types.Message) error

func (f MailboxFunc) Deliver(msg types.Message) error { return f(msg) }

// Registry is an in-memory Mailbox directory, grounded on the
// teacher's scheduler's simple map-of-agent registries rather than a
// dedicated library: mailbox registration is process-local bookkeeping
// with no external dependency that could own it.
type Registry struct {
	mu        sync.RWMutex
	mailboxes map[types.AgentId]Mailbox
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mailboxes: make(map[types.AgentId]Mailbox)}
}

// Register associates recipient with a Mailbox, replacing any
// previous registration (e.g. after a clone respawn under the same
// identity).
func (r *Registry) Register(recipient types.AgentId, mb Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailboxes[recipient] = mb
}

// Unregister removes recipient's mailbox.
func (r *Registry) Unregister(recipient types.AgentId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, recipient)
}

// Get returns recipient's mailbox, if registered.
func (r *Registry) Get(recipient types.AgentId) (Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.mailboxes[recipient]
	return mb, ok
}

// All returns a snapshot of every registered recipient and its
// Mailbox, for fanning a Broadcast message out to everyone registered.
func (r *Registry) All() map[types.AgentId]Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.AgentId]Mailbox, len(r.mailboxes))
	for id, mb := range r.mailboxes {
		out[id] = mb
	}
	return out
}
