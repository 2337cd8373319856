package amqp091

import (
	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// methodHandler is invoked with a decoded method frame when it matches a
// registered expectation.
type methodHandler func(*frame.Method)

// methodPredicate narrows an expectation beyond its verb, e.g. to a specific
// consumer tag. A nil predicate matches every method with the verb.
type methodPredicate func(*frame.Method) bool

type registryKey struct {
	channel uint16
	verb    protocol.Verb
}

type registryEntry struct {
	fn      methodHandler
	oneShot bool
	match   methodPredicate
}

// callbackRegistry maps (channel, verb) to an ordered list of handlers. It
// replaces implicit per-class dispatch: every reply a channel expects is an
// explicit entry here, registered when the request is sent and removed when
// the reply fires (for one-shot entries) or when the channel is cleaned up.
//
// The registry is owned by the connection's dispatch goroutine and needs no
// locking.
type callbackRegistry struct {
	handlers map[registryKey][]*registryEntry
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{handlers: make(map[registryKey][]*registryEntry)}
}

// add registers a handler for a verb on a channel. Handlers fire in
// registration order.
func (r *callbackRegistry) add(channel uint16, verb protocol.Verb, fn methodHandler, oneShot bool, match methodPredicate) {
	key := registryKey{channel: channel, verb: verb}
	r.handlers[key] = append(r.handlers[key], &registryEntry{
		fn:      fn,
		oneShot: oneShot,
		match:   match,
	})
}

// fire runs every handler matching the method, in registration order, and
// reports whether any handler ran. One-shot handlers are removed before any
// handler runs, so a handler that registers new expectations for the same
// verb (the drain loop does exactly this) never sees them consumed by the
// method currently being dispatched.
func (r *callbackRegistry) fire(channel uint16, m *frame.Method) bool {
	key := registryKey{channel: channel, verb: m.Verb}
	entries := r.handlers[key]
	if len(entries) == 0 {
		return false
	}

	var run []*registryEntry
	var keep []*registryEntry
	for _, e := range entries {
		if e.match != nil && !e.match(m) {
			keep = append(keep, e)
			continue
		}
		run = append(run, e)
		if !e.oneShot {
			keep = append(keep, e)
		}
	}

	if len(run) == 0 {
		return false
	}

	if len(keep) == 0 {
		delete(r.handlers, key)
	} else {
		r.handlers[key] = keep
	}

	for _, e := range run {
		e.fn(m)
	}

	return true
}

// pending reports how many handlers are registered for a verb on a channel.
func (r *callbackRegistry) pending(channel uint16, verb protocol.Verb) int {
	return len(r.handlers[registryKey{channel: channel, verb: verb}])
}

// cleanupChannel drops every handler registered for the channel.
func (r *callbackRegistry) cleanupChannel(channel uint16) {
	for key := range r.handlers {
		if key.channel == channel {
			delete(r.handlers, key)
		}
	}
}
