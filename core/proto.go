package core

import "time"

const (
	EventJoinRoom          = "joinRoom"
	EventLeaveRoom         = "leaveRoom"
	EventSendMessage       = "sendMessage"
	EventMessage           = "message"
	EventParticipantUpdate = "participantUpdate"
	EventParticipantLeft   = "participantLeft"
	EventTyping            = "typing"
)

type JoinRoomPayload struct {
	RoomID      string `json:"roomId" validate:"required"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type JoinRoomAck struct {
	RoomID       string               `json:"roomId"`
	Participants []ParticipantPayload `json:"participants"`
	Messages     []MessagePayload     `json:"messages"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId"`
}

type SendMessagePayload struct {
	RoomID          string    `json:"roomId" validate:"required"`
	Body            string    `json:"body" validate:"required,max=4096"`
	AuthorID        string    `json:"authorId" validate:"required"`
	AuthorName      string    `json:"authorName"`
	ClientMessageID string    `json:"clientMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type SendMessageAck struct {
	ClientMessageID string    `json:"clientMessageId"`
	ServerID        string    `json:"serverId"`
	SentAt          time.Time `json:"sentAt"`
}

// MessagePayload is an inbound message as broadcast by the server.
type MessagePayload struct {
	SendMessagePayload
	ServerID string `json:"serverId"`
}

type ParticipantPayload struct {
	RoomID      string    `json:"roomId"`
	ID          string    `json:"id" validate:"required"`
	DisplayName string    `json:"displayName"`
	IsTyping    bool      `json:"isTyping"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type ParticipantLeftPayload struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id" validate:"required"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

func messagePayload(m ChatMessage) SendMessagePayload {
	return SendMessagePayload{
		RoomID:          m.RoomID,
		Body:            m.Body,
		AuthorID:        m.AuthorID,
		AuthorName:      m.AuthorName,
		ClientMessageID: m.ID,
		SentAt:          m.SentAt,
	}
}
