package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/putto11262002/chatsync/pkg/channel"
)

const natsQueue = "relay"

// NATSBridge serves the hub over NATS. Requests arrive on
// <prefix>.rpc.<event> and are answered with ack frames; broadcasts are
// published on <prefix>.events.<event>. NATS clients carry no identity, so
// payloads name the user.
type NATSBridge struct {
	hub    *Hub
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription
	peer   *natsPeer
	logger *slog.Logger
}

func NewNATSBridge(hub *Hub, nc *nats.Conn, prefix string, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = channel.DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &NATSBridge{
		hub:    hub,
		nc:     nc,
		prefix: prefix,
		logger: logger.With(slog.String("bridge", "nats")),
	}
	b.peer = &natsPeer{bridge: b}
	return b
}

func (b *NATSBridge) Start() error {
	sub, err := b.nc.QueueSubscribe(channel.RPCSubject(b.prefix, "*"), natsQueue, b.handle)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	b.sub = sub
	b.logger.Info(fmt.Sprintf("listening on %s", sub.Subject))
	return nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	event := strings.TrimPrefix(msg.Subject, channel.RPCSubject(b.prefix, ""))
	req := &Request{Peer: b.peer, Event: event, Payload: msg.Data}
	if msg.Reply != "" {
		req.Reply = func(payload json.RawMessage, err error) {
			f := channel.NewAck(0, payload)
			if err != nil {
				f = channel.NewNack(0, publicReason(err))
			}
			data, merr := json.Marshal(f)
			if merr != nil {
				b.logger.Error(fmt.Sprintf("encode ack: %v", merr))
				return
			}
			if err := msg.Respond(data); err != nil {
				b.logger.Warn(fmt.Sprintf("respond %s: %v", event, err))
			}
		}
	}
	if !b.hub.Dispatch(req) {
		b.logger.Debug(fmt.Sprintf("hub closed, dropping %s", event))
	}
}

// Close stops serving and detaches the bridge's users from the hub.
func (b *NATSBridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.hub.Disconnect(b.peer)
}

// natsPeer stands for every NATS user. Broadcasts are published once on the
// event subject and filtered by room on the client.
type natsPeer struct {
	bridge *NATSBridge
}

func (p *natsPeer) ID() string          { return "nats" }
func (p *natsPeer) UserID() string      { return "" }
func (p *natsPeer) DisplayName() string { return "" }
func (p *natsPeer) Close()              {}

func (p *natsPeer) Send(event string, payload json.RawMessage) bool {
	if err := p.bridge.nc.Publish(channel.EventSubject(p.bridge.prefix, event), payload); err != nil {
		p.bridge.logger.Warn(fmt.Sprintf("publish %s: %v", event, err))
	}
	return true
}
