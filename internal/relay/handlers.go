package relay

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/chatsync/core"
)

// requester resolves the user a request acts for. Authenticated peers
// always act as themselves.
func requester(req *Request, claimed string) (string, error) {
	if id := req.Peer.UserID(); id != "" {
		return id, nil
	}
	if claimed == "" {
		return "", NewErrorf("%s: missing user id", ErrInvalidPayload)
	}
	return claimed, nil
}

func handleJoinRoom(hub *Hub, req *Request) (any, error) {
	var p core.JoinRoomPayload
	if err := hub.decode(req, &p); err != nil {
		return nil, err
	}
	userID, err := requester(req, p.UserID)
	if err != nil {
		return nil, err
	}
	r, err := hub.room(p.RoomID)
	if err != nil {
		return nil, err
	}

	name := req.Peer.DisplayName()
	if name == "" {
		name = p.DisplayName
	}
	if name == "" {
		name = userID
	}

	m, ok := r.members[userID]
	if !ok {
		m = &member{
			ParticipantPayload: core.ParticipantPayload{
				RoomID:   r.id,
				ID:       userID,
				JoinedAt: time.Now().UTC(),
			},
			peers: make(map[string]Peer),
		}
		r.members[userID] = m
		hub.logger.Info("participant joined", slog.String("room", r.id), slog.String("user", userID))
	}
	m.DisplayName = name
	m.peers[req.Peer.ID()] = req.Peer
	hub.broadcast(r, core.EventParticipantUpdate, m.ParticipantPayload, userID)

	return core.JoinRoomAck{
		RoomID:       r.id,
		Participants: r.participants(),
		Messages:     r.history,
	}, nil
}

func handleLeaveRoom(hub *Hub, req *Request) (any, error) {
	var p core.LeaveRoomPayload
	if err := hub.decode(req, &p); err != nil {
		return nil, err
	}
	userID, err := requester(req, p.UserID)
	if err != nil {
		return nil, err
	}
	if r, ok := hub.rooms[p.RoomID]; ok {
		hub.detach(r, userID, req.Peer.ID())
	}
	return struct{}{}, nil
}

func handleSendMessage(hub *Hub, req *Request) (any, error) {
	var p core.SendMessagePayload
	if err := hub.decode(req, &p); err != nil {
		return nil, err
	}
	if id := req.Peer.UserID(); id != "" {
		p.AuthorID = id
	}
	r, ok := hub.rooms[p.RoomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m, ok := r.members[p.AuthorID]
	if !ok {
		return nil, ErrNotMember
	}
	if p.AuthorName == "" {
		p.AuthorName = m.DisplayName
	}

	// a resend after a reconnect gets the original ack
	if p.ClientMessageID != "" {
		if ack, ok := r.seen[p.ClientMessageID]; ok {
			return ack, nil
		}
	}

	if p.SentAt.IsZero() {
		p.SentAt = time.Now().UTC()
	}
	msg := core.MessagePayload{SendMessagePayload: p, ServerID: uuid.NewString()}
	ack := core.SendMessageAck{ClientMessageID: p.ClientMessageID, ServerID: msg.ServerID, SentAt: p.SentAt}

	r.history = append(r.history, msg)
	if over := len(r.history) - hub.cfg.History; over > 0 {
		for _, old := range r.history[:over] {
			delete(r.seen, old.ClientMessageID)
		}
		r.history = append([]core.MessagePayload(nil), r.history[over:]...)
	}
	if p.ClientMessageID != "" {
		r.seen[p.ClientMessageID] = ack
	}

	hub.broadcast(r, core.EventMessage, msg, "")
	return ack, nil
}

func handleTyping(hub *Hub, req *Request) (any, error) {
	var p core.TypingPayload
	if err := hub.decode(req, &p); err != nil {
		return nil, err
	}
	if id := req.Peer.UserID(); id != "" {
		p.UserID = id
	}
	r, ok := hub.rooms[p.RoomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m, ok := r.members[p.UserID]
	if !ok {
		return nil, ErrNotMember
	}
	m.IsTyping = p.IsTyping
	hub.broadcast(r, core.EventTyping, p, p.UserID)
	return struct{}{}, nil
}
