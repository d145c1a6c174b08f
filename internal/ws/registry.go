// Package ws owns the live-connection layer: the registry of open WebSocket
// channels, the connection lifecycle (handshake, receive loop, teardown),
// and the Prometheus metrics for both.
//
// The registry replaces the ad hoc process-wide maps of the original system
// with an explicitly owned type: it is constructed, injected, and torn down
// like any other dependency, and every mutation is serialized behind its own
// lock. Handles held by the registry are non-owning references used only for
// lookup and send; closing a connection is always the responsibility of the
// goroutine that registered it, signaled back via unregister.
package ws

import (
	"fmt"
	"sync"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
)

// Pusher is the minimal send surface the registry needs from a live
// connection. Implementations must be safe for concurrent Push calls.
type Pusher interface {
	// Push writes one outbound frame, JSON-encoded.
	Push(v any) error
}

// SendError reports a failed delivery to a single recipient during a
// broadcast. It never aborts delivery to the remaining recipients.
type SendError struct {
	Phone string
	Err   error
}

// Error implements the error interface.
func (e SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Phone, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e SendError) Unwrap() error { return e.Err }

// Registry tracks live bidirectional channels under two independent keyings:
// conversation-scoped handles keyed by (conversation key, identity), and
// global notification handles keyed by identity alone. The two maps are
// guarded by separate locks so conversation traffic never contends with
// global-channel churn.
type Registry struct {
	convMu        sync.RWMutex
	conversations map[domain.ConversationKey]map[string]Pusher

	globalMu sync.RWMutex
	global   map[string]Pusher
}

// NewRegistry returns an empty registry ready for concurrent use.
func NewRegistry() *Registry {
	return &Registry{
		conversations: make(map[domain.ConversationKey]map[string]Pusher),
		global:        make(map[string]Pusher),
	}
}

// RegisterConversation installs a conversation-scoped handle for (key, phone),
// replacing any prior handle for that pair. The replaced handle, if any, is
// returned so its owner can be told it was superseded; the registry itself
// never closes it.
func (r *Registry) RegisterConversation(key domain.ConversationKey, phone string, h Pusher) (replaced Pusher) {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	set, ok := r.conversations[key]
	if !ok {
		set = make(map[string]Pusher)
		r.conversations[key] = set
	}
	replaced = set[phone]
	set[phone] = h
	if replaced == nil {
		connectionsActive.WithLabelValues("conversation").Inc()
	}
	return replaced
}

// UnregisterConversation removes the entry for (key, phone), but only while
// it still maps to h: a handle that was superseded by a newer registration
// must not evict its replacement. A nil h unregisters unconditionally. When
// the last participant leaves, the key itself is dropped so no empty sets
// linger. Unregistering an absent pair is a no-op.
func (r *Registry) UnregisterConversation(key domain.ConversationKey, phone string, h Pusher) {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	set, ok := r.conversations[key]
	if !ok {
		return
	}
	cur, present := set[phone]
	if !present || (h != nil && cur != h) {
		return
	}
	delete(set, phone)
	connectionsActive.WithLabelValues("conversation").Dec()
	if len(set) == 0 {
		delete(r.conversations, key)
	}
}

// RegisterGlobal installs the single global notification handle for an
// identity, replacing any prior one. Same ownership rules as conversation
// handles.
func (r *Registry) RegisterGlobal(phone string, h Pusher) (replaced Pusher) {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	replaced = r.global[phone]
	r.global[phone] = h
	if replaced == nil {
		connectionsActive.WithLabelValues("global").Inc()
	}
	return replaced
}

// UnregisterGlobal removes an identity's global handle, if present, with the
// same superseded-handle rule as UnregisterConversation.
func (r *Registry) UnregisterGlobal(phone string, h Pusher) {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	cur, present := r.global[phone]
	if !present || (h != nil && cur != h) {
		return
	}
	delete(r.global, phone)
	connectionsActive.WithLabelValues("global").Dec()
}

// Broadcast delivers the frame to every handle currently registered under the
// key, best effort. The recipient set is snapshotted under a read lock and
// sends happen outside it, so slow receivers never block registrations and
// broadcasts on unrelated keys proceed independently. One failed send is
// reported per recipient and does not prevent delivery to the rest.
func (r *Registry) Broadcast(key domain.ConversationKey, frame any) []SendError {
	r.convMu.RLock()
	set := r.conversations[key]
	snapshot := make(map[string]Pusher, len(set))
	for phone, h := range set {
		snapshot[phone] = h
	}
	r.convMu.RUnlock()

	var failures []SendError
	for phone, h := range snapshot {
		if err := h.Push(frame); err != nil {
			broadcastErrors.Inc()
			failures = append(failures, SendError{Phone: phone, Err: err})
		}
	}
	return failures
}

// IsPresent reports whether a conversation-scoped handle exists for the pair.
// The delivery router uses this to decide between in-process delivery and the
// external relay fallback.
func (r *Registry) IsPresent(key domain.ConversationKey, phone string) bool {
	r.convMu.RLock()
	defer r.convMu.RUnlock()
	_, ok := r.conversations[key][phone]
	return ok
}

// GlobalHandle returns the identity's global handle, or nil when absent.
func (r *Registry) GlobalHandle(phone string) Pusher {
	r.globalMu.RLock()
	defer r.globalMu.RUnlock()
	return r.global[phone]
}

// ConversationSize returns the number of live handles under a key.
func (r *Registry) ConversationSize(key domain.ConversationKey) int {
	r.convMu.RLock()
	defer r.convMu.RUnlock()
	return len(r.conversations[key])
}
