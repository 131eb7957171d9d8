package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/putto11262002/chatsync/core"
)

const DefaultHistory = 100

type HubConfig struct {
	// AutoCreate creates unknown rooms on join instead of rejecting them.
	AutoCreate bool
	// History is the number of messages kept per room and returned on join.
	History int
}

type RoomInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Members   int       `json:"members"`
}

type member struct {
	core.ParticipantPayload
	peers map[string]Peer
}

type room struct {
	id        string
	createdAt time.Time
	members   map[string]*member
	history   []core.MessagePayload
	// acks of the messages still in history, by client message id
	seen map[string]core.SendMessageAck
}

func newRoom(id string) *room {
	return &room{
		id:        id,
		createdAt: time.Now().UTC(),
		members:   make(map[string]*member),
		seen:      make(map[string]core.SendMessageAck),
	}
}

func (r *room) info() RoomInfo {
	return RoomInfo{ID: r.id, CreatedAt: r.createdAt, Members: len(r.members)}
}

func (r *room) participants() []core.ParticipantPayload {
	out := make([]core.ParticipantPayload, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.ParticipantPayload)
	}
	slices.SortFunc(out, func(a, b core.ParticipantPayload) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Hub owns the rooms. Requests from every transport are applied one at a
// time by a single goroutine.
type Hub struct {
	cfg      HubConfig
	router   *PacketRouter
	validate *validator.Validate
	logger   *slog.Logger

	in             chan *Request
	disconnectChan chan Peer
	tasks          chan func()
	exit           chan struct{}
	stopped        chan struct{}
	started        atomic.Bool
	closeOnce      sync.Once

	// owned by the loop
	rooms map[string]*room
}

type HubOption func(*Hub)

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithRooms creates the given rooms up front.
func WithRooms(ids ...string) HubOption {
	return func(h *Hub) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id != "" {
				h.rooms[id] = newRoom(id)
			}
		}
	}
}

func NewHub(cfg HubConfig, opts ...HubOption) *Hub {
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	hub := &Hub{
		cfg:            cfg,
		router:         NewPacketRouter(),
		validate:       validator.New(),
		logger:         slog.Default(),
		in:             make(chan *Request),
		disconnectChan: make(chan Peer),
		tasks:          make(chan func()),
		exit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		rooms:          make(map[string]*room),
	}
	for _, opt := range opts {
		opt(hub)
	}

	hub.router.On(core.EventJoinRoom, handleJoinRoom)
	hub.router.On(core.EventLeaveRoom, handleLeaveRoom)
	hub.router.On(core.EventSendMessage, handleSendMessage)
	hub.router.On(core.EventTyping, handleTyping)
	return hub
}

func (hub *Hub) Start() {
	if hub.started.CompareAndSwap(false, true) {
		go hub.start()
		hub.logger.Info("hub started")
	}
}

func (hub *Hub) start() {
	defer func() {
		close(hub.stopped)
		hub.logger.Info("hub stopped")
	}()
	for {
		select {
		case <-hub.exit:
			return
		case req := <-hub.in:
			hub.handle(req)
		case p := <-hub.disconnectChan:
			hub.disconnect(p)
		case f := <-hub.tasks:
			f()
		}
	}
}

// Close stops the loop and closes every attached peer.
func (hub *Hub) Close() {
	hub.closeOnce.Do(func() {
		hub.logger.Info("closing hub...")
		if !hub.started.Load() {
			close(hub.exit)
			return
		}
		var peers []Peer
		hub.call(func() {
			seen := make(map[string]bool)
			for _, r := range hub.rooms {
				for _, m := range r.members {
					for id, p := range m.peers {
						if !seen[id] {
							seen[id] = true
							peers = append(peers, p)
						}
					}
				}
			}
		})
		close(hub.exit)
		<-hub.stopped
		for _, p := range peers {
			p.Close()
		}
	})
}

// Dispatch queues a request. It reports false once the hub is closed.
func (hub *Hub) Dispatch(req *Request) bool {
	select {
	case hub.in <- req:
		return true
	case <-hub.exit:
		return false
	}
}

// Disconnect removes the peer from every room.
func (hub *Hub) Disconnect(p Peer) {
	select {
	case hub.disconnectChan <- p:
	case <-hub.exit:
	}
}

func (hub *Hub) call(f func()) error {
	done := make(chan struct{})
	select {
	case hub.tasks <- func() {
		defer close(done)
		f()
	}:
	case <-hub.exit:
		return ErrHubClosed
	}
	<-done
	return nil
}

func (hub *Hub) handle(req *Request) {
	hub.logger.Debug(req.String())
	ack, err := hub.router.dispatch(hub, req)
	if err != nil {
		hub.logger.Warn(fmt.Sprintf("%s from %s: %v", req.Event, req.Peer.ID(), err))
		if req.Reply != nil {
			req.Reply(nil, err)
		}
		return
	}
	if req.Reply == nil {
		return
	}
	raw, err := json.Marshal(ack)
	if err != nil {
		hub.logger.Error(fmt.Sprintf("encode %s ack: %v", req.Event, err))
		req.Reply(nil, NewSensitiveError(err.Error()))
		return
	}
	req.Reply(raw, nil)
}

// decode unmarshals and validates a request payload.
func (hub *Hub) decode(req *Request, v any) error {
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return NewErrorf("%s: %v", ErrInvalidPayload, err)
	}
	if err := hub.validate.Struct(v); err != nil {
		return NewErrorf("%s: %v", ErrInvalidPayload, err)
	}
	return nil
}

// broadcast sends the event to every peer of the room's members except
// those of exceptUser. A peer shared by several members gets it once.
func (hub *Hub) broadcast(r *room, event string, payload any, exceptUser string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		hub.logger.Error(fmt.Sprintf("encode %s: %v", event, err))
		return
	}
	sent := make(map[string]bool)
	var slow []Peer
	for uid, m := range r.members {
		if uid == exceptUser {
			continue
		}
		for id, p := range m.peers {
			if sent[id] {
				continue
			}
			sent[id] = true
			if !p.Send(event, raw) {
				slow = append(slow, p)
			}
		}
	}
	for _, p := range slow {
		hub.logger.Warn(fmt.Sprintf("peer %s is not keeping up, disconnecting", p.ID()))
		hub.disconnect(p)
		p.Close()
	}
}

// detach removes one peer from a member and drops the member once it has
// no peers left.
func (hub *Hub) detach(r *room, userID, peerID string) {
	m, ok := r.members[userID]
	if !ok {
		return
	}
	delete(m.peers, peerID)
	if len(m.peers) > 0 {
		return
	}
	delete(r.members, userID)
	hub.logger.Info("participant left", slog.String("room", r.id), slog.String("user", userID))
	hub.broadcast(r, core.EventParticipantLeft, core.ParticipantLeftPayload{RoomID: r.id, ID: userID}, "")
}

func (hub *Hub) disconnect(p Peer) {
	for _, r := range hub.rooms {
		for uid, m := range r.members {
			if _, ok := m.peers[p.ID()]; ok {
				hub.detach(r, uid, p.ID())
			}
		}
	}
}

func (hub *Hub) room(id string) (*room, error) {
	r, ok := hub.rooms[id]
	if ok {
		return r, nil
	}
	if !hub.cfg.AutoCreate {
		return nil, ErrRoomNotFound
	}
	r = newRoom(id)
	hub.rooms[id] = r
	hub.logger.Info("room created", slog.String("room", id))
	return r, nil
}

func (hub *Hub) CreateRoom(id string) (RoomInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return RoomInfo{}, ErrInvalidPayload
	}
	var (
		info RoomInfo
		rerr error
	)
	err := hub.call(func() {
		if _, ok := hub.rooms[id]; ok {
			rerr = ErrRoomExists
			return
		}
		r := newRoom(id)
		hub.rooms[id] = r
		info = r.info()
	})
	if err != nil {
		return RoomInfo{}, err
	}
	return info, rerr
}

func (hub *Hub) Rooms() ([]RoomInfo, error) {
	var rooms []RoomInfo
	err := hub.call(func() {
		rooms = make([]RoomInfo, 0, len(hub.rooms))
		for _, r := range hub.rooms {
			rooms = append(rooms, r.info())
		}
	})
	slices.SortFunc(rooms, func(a, b RoomInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return rooms, err
}

// Messages returns up to limit of the most recent messages of the room,
// oldest first. A limit of zero returns the whole history.
func (hub *Hub) Messages(roomID string, limit int) ([]core.MessagePayload, error) {
	var (
		msgs []core.MessagePayload
		rerr error
	)
	err := hub.call(func() {
		r, ok := hub.rooms[roomID]
		if !ok {
			rerr = ErrRoomNotFound
			return
		}
		history := r.history
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
		msgs = slices.Clone(history)
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil && rerr == nil {
		msgs = []core.MessagePayload{}
	}
	return msgs, rerr
}
