package relay

import (
	"encoding/json"
	"fmt"
)

// Peer is one client connection attached to the hub.
type Peer interface {
	ID() string
	// UserID is the authenticated user, empty when the transport carries no
	// identity and the payload has to name the user.
	UserID() string
	DisplayName() string
	// Send pushes an event to the peer without blocking. It reports false
	// when the peer cannot keep up.
	Send(event string, payload json.RawMessage) bool
	Close()
}

// Request is one inbound event. Reply is nil for events that expect no ack.
type Request struct {
	Peer    Peer
	Event   string
	Payload json.RawMessage
	Reply   func(json.RawMessage, error)
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{Peer: %s, Event: %s, Payload.Size: %d, Ack: %t}", r.Peer.ID(), r.Event, len(r.Payload), r.Reply != nil)
}

// HandlerFunc handles a request on the hub loop. The returned value is
// encoded as the ack payload.
type HandlerFunc func(*Hub, *Request) (any, error)

// PacketRouter maps event names to handlers.
type PacketRouter struct {
	handlers map[string]HandlerFunc
}

func NewPacketRouter() *PacketRouter {
	return &PacketRouter{handlers: make(map[string]HandlerFunc)}
}

func (r *PacketRouter) On(event string, h HandlerFunc) {
	r.handlers[event] = h
}

func (r *PacketRouter) dispatch(hub *Hub, req *Request) (any, error) {
	h, ok := r.handlers[req.Event]
	if !ok {
		return nil, ErrUnknownEvent
	}
	return h(hub, req)
}
