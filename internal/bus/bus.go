// Package bus provides the message-bus abstraction: ordered pub/sub over
// named channels and direct agent addresses. Two implementations are
// provided — an in-process Hub for testing and single-machine operation,
// and a Remote adapter mediating a pluggable wire client for multi-process
// operation.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/agentctl/swarm/internal/ids"
)

// ErrNotConnected is returned by Send/Join when called before Connect.
var ErrNotConnected = errors.New("bus: not connected")

// Message is the envelope delivered to a sink. To is either "#channel" or
// "@agentId".
type Message struct {
	Type    string
	From    ids.AgentID
	To      string
	Content []byte
	Ts      time.Time
}

// Bus is the capability a daemon or supervisor needs to participate in
// the fleet's coordination traffic. Two implementations are provided in
// this package: an in-process Hub and a Remote wire-client adapter. Model
// callers program against this interface so the concrete transport never
// leaks through.
type Bus interface {
	// Connect joins the bus and returns the agentId assigned or confirmed
	// by the transport.
	Connect(ctx context.Context) (ids.AgentID, error)

	// Join subscribes to a channel. Idempotent; only affects delivery on
	// "#channel" targets.
	Join(channel string) error

	// Send publishes content to target ("#channel" or "@agentId"). Fails
	// with ErrNotConnected if called before Connect.
	Send(ctx context.Context, target string, content []byte) error

	// Disconnect leaves the bus.
	Disconnect(ctx context.Context) error

	// OnMessage registers the sink invoked for every inbound message.
	// Replaces any previously registered sink.
	OnMessage(func(Message))

	// OnDisconnect registers the sink invoked when the transport drops
	// unexpectedly (never invoked for a caller-initiated Disconnect).
	OnDisconnect(func(error))

	// OnError registers the sink invoked for transport-level errors that
	// don't terminate the connection (e.g. an inbound message dropped by
	// the transport). Errors from Send are returned to its caller instead.
	OnError(func(error))
}
