package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentctl/swarm/internal/ids"
)

// Hub is the in-process broker: many Endpoints share one Hub, and delivery
// filters by channel membership or direct-address match. Grounded on the
// websocket Hub pattern (register/unregister through a single owner,
// publish holding the registry lock only while it collects the
// recipients) but simplified to synchronous delivery since there is no
// network socket to make asynchronous here — callers are in-process
// goroutines. Send releases the lock before delivering and returns only
// after every recipient's sink has run, so messages from one sending
// goroutine arrive in the order they were sent.
type Hub struct {
	mu        sync.Mutex
	endpoints map[ids.AgentID]*Endpoint
	channels  map[string]map[ids.AgentID]struct{}
}

// NewHub creates an empty hub. Endpoints are created with Hub.Connect.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[ids.AgentID]*Endpoint),
		channels:  make(map[string]map[ids.AgentID]struct{}),
	}
}

// Endpoint is one bus connection backed by a shared Hub. It implements Bus.
type Endpoint struct {
	hub *Hub

	mu           sync.Mutex
	id           ids.AgentID
	connected    bool
	joined       map[string]struct{}
	onMessage    func(Message)
	onDisconnect func(error)
	onError      func(error)
}

// NewEndpoint creates a bus endpoint attached to hub. Call Connect before
// Join/Send.
func (h *Hub) NewEndpoint() *Endpoint {
	return &Endpoint{hub: h, joined: make(map[string]struct{})}
}

func isChannel(target string) bool { return strings.HasPrefix(target, "#") }
func isDirect(target string) bool  { return strings.HasPrefix(target, "@") }

// Connect assigns this endpoint a fresh agent ID and registers it with
// the hub.
func (e *Endpoint) Connect(ctx context.Context) (ids.AgentID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id == "" {
		e.id = ids.New()
	}
	e.connected = true

	e.hub.mu.Lock()
	e.hub.endpoints[e.id] = e
	e.hub.mu.Unlock()

	return e.id, nil
}

// Join subscribes the endpoint to a channel. Idempotent.
func (e *Endpoint) Join(channel string) error {
	e.mu.Lock()
	connected := e.connected
	id := e.id
	if connected {
		e.joined[channel] = struct{}{}
	}
	e.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	e.hub.mu.Lock()
	if e.hub.channels[channel] == nil {
		e.hub.channels[channel] = make(map[ids.AgentID]struct{})
	}
	e.hub.channels[channel][id] = struct{}{}
	e.hub.mu.Unlock()
	return nil
}

// Send publishes content to target, a "#channel" or "@agentId".
func (e *Endpoint) Send(ctx context.Context, target string, content []byte) error {
	e.mu.Lock()
	connected := e.connected
	from := e.id
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	msg := Message{Type: "message", From: from, To: target, Content: content, Ts: time.Now()}

	e.hub.mu.Lock()
	var targets []*Endpoint
	switch {
	case isChannel(target):
		for id := range e.hub.channels[target] {
			if id == from {
				continue // sender's own echo is suppressed on channels
			}
			if ep, ok := e.hub.endpoints[id]; ok {
				targets = append(targets, ep)
			}
		}
	case isDirect(target):
		id := ids.AgentID(strings.TrimPrefix(target, "@"))
		if ep, ok := e.hub.endpoints[id]; ok {
			targets = append(targets, ep)
		}
	}
	e.hub.mu.Unlock()

	for _, ep := range targets {
		ep.deliver(msg)
	}
	return nil
}

func (e *Endpoint) deliver(msg Message) {
	e.mu.Lock()
	sink := e.onMessage
	e.mu.Unlock()
	if sink != nil {
		sink(msg)
	}
}

// Disconnect leaves the bus and removes the endpoint from every channel.
func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	id := e.id
	e.connected = false
	e.joined = make(map[string]struct{})
	e.mu.Unlock()

	e.hub.mu.Lock()
	delete(e.hub.endpoints, id)
	for _, members := range e.hub.channels {
		delete(members, id)
	}
	e.hub.mu.Unlock()
	return nil
}

func (e *Endpoint) OnMessage(fn func(Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = fn
}

func (e *Endpoint) OnDisconnect(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnect = fn
}

func (e *Endpoint) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

var _ Bus = (*Endpoint)(nil)
