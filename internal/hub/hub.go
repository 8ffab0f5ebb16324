// Package hub is the in-process real-time transport: identities hold connections that
// are members of named groups, and messages are fanned out per group.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"camwatch-backend/internal/errs"
)

// ErrNoRecipients is returned when a group has no connection able to take a message.
var ErrNoRecipients = errors.New("hub: no connections in group")

// Message is a single event delivered to a connection.
type Message struct {
	Event string
	Data  []byte
}

// Conn is one live connection of an identity.
type Conn struct {
	identity string
	groups   []string
	live     bool
	send     chan Message
	done     chan struct{}
	once     sync.Once
}

// Identity returns the normalized identity that owns the connection.
func (c *Conn) Identity() string { return c.identity }

// Messages delivers events addressed to any group the connection joined.
func (c *Conn) Messages() <-chan Message { return c.send }

// Done is closed once the connection has been removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Hub tracks group membership of live connections.
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]map[*Conn]struct{}
	bufferSize int
	liveness   string
	listeners  []func(identity string)
}

// New creates a hub. livenessGroup is the reserved group every connection joins.
func New(livenessGroup string, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Hub{
		groups:     make(map[string]map[*Conn]struct{}),
		bufferSize: bufferSize,
		liveness:   livenessGroup,
	}
}

// LivenessGroup returns the name of the reserved liveness group.
func (h *Hub) LivenessGroup() string { return h.liveness }

// OnDisconnect registers fn to run after a connection is removed. Listeners run on the
// disconnecting goroutine and must not block.
func (h *Hub) OnDisconnect(fn func(identity string)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// WatchGroup returns the group of observers that receive presence broadcasts without
// counting as connected.
func (h *Hub) WatchGroup() string { return h.liveness + ".watch" }

// Connect registers a connection for identity in the liveness group, the identity's
// private group and any extra groups.
func (h *Hub) Connect(identity string, extra ...string) *Conn {
	groups := []string{h.liveness, identity}
	for _, g := range extra {
		if g != h.liveness && g != identity {
			groups = append(groups, g)
		}
	}
	return h.join(identity, groups, true)
}

// Watch registers an observer connection in the watch group and the identity's private
// group. Observers never join the liveness group and their disconnects are not reported
// to listeners.
func (h *Hub) Watch(identity string) *Conn {
	return h.join(identity, []string{h.WatchGroup(), identity}, false)
}

func (h *Hub) join(identity string, groups []string, live bool) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Conn{
		identity: identity,
		groups:   groups,
		live:     live,
		send:     make(chan Message, h.bufferSize),
		done:     make(chan struct{}),
	}
	for _, g := range groups {
		members, ok := h.groups[g]
		if !ok {
			members = make(map[*Conn]struct{})
			h.groups[g] = members
		}
		members[c] = struct{}{}
	}
	return c
}

// Disconnect removes c from every group and, for a live connection, notifies listeners.
// Calling it more than once is harmless.
func (h *Hub) Disconnect(c *Conn) {
	c.once.Do(func() {
		h.mu.Lock()
		for _, g := range c.groups {
			if members, ok := h.groups[g]; ok {
				delete(members, c)
				if len(members) == 0 {
					delete(h.groups, g)
				}
			}
		}
		var listeners []func(string)
		if c.live {
			listeners = append(listeners, h.listeners...)
		}
		h.mu.Unlock()

		close(c.done)
		for _, fn := range listeners {
			fn(c.identity)
		}
	})
}

// Members lists the distinct identities holding a connection in group, sorted.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	for c := range h.groups[group] {
		seen[c.identity] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether identity holds at least one connection in group.
func (h *Hub) IsMember(group, identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[group] {
		if c.identity == identity {
			return true
		}
	}
	return false
}

// SendToGroup queues a message on every connection in group. Connections whose buffer
// is full are skipped. It fails when no connection accepted the message.
func (h *Hub) SendToGroup(ctx context.Context, group, event string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: send to %q: %w", errs.ErrTransport, group, err)
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.groups[group]))
	for c := range h.groups[group] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := Message{Event: event, Data: data}
	delivered := 0
	for _, c := range conns {
		select {
		case <-c.done:
		case c.send <- msg:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return fmt.Errorf("%w: send to %q: %w", errs.ErrTransport, group, ErrNoRecipients)
	}
	return nil
}
