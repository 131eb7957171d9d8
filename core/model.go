package core

import (
	"fmt"
	"time"
)

type DeliveryState int

const (
	Pending DeliveryState = iota
	Confirmed
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Disconnected
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type RoomState int

const (
	Idle RoomState = iota
	Joining
	Joined
	Leaving
)

func (s RoomState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("RoomState(%d)", int(s))
	}
}

func (s RoomState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChatMessage is a message in a room timeline. ID is assigned by the author's
// client and never changes, even after the server echoes the message back.
type ChatMessage struct {
	ID         string        `json:"id"`
	RoomID     string        `json:"roomId"`
	AuthorID   string        `json:"authorId"`
	AuthorName string        `json:"authorName"`
	Body       string        `json:"body"`
	SentAt     time.Time     `json:"sentAt"`
	State      DeliveryState `json:"deliveryState"`
	ServerID   string        `json:"serverId,omitempty"`
	// Local is set on messages authored by this client.
	Local bool `json:"local"`
}

type Participant struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	DisplayName string    `json:"displayName"`
	IsTyping    bool      `json:"isTyping"`
	LastSeen    time.Time `json:"lastSeen"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// TypingEvent is an observed typing signal. It expires unless refreshed.
type TypingEvent struct {
	RoomID     string
	UserID     string
	IsTyping   bool
	ObservedAt time.Time
}

type Identity struct {
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
}

// Snapshot is an immutable copy of a room session handed to observers.
type Snapshot struct {
	RoomID       string          `json:"roomId"`
	State        RoomState       `json:"state"`
	Connection   ConnectionState `json:"connection"`
	Messages     []ChatMessage   `json:"messages"`
	Participants []Participant   `json:"participants"`
	Version      uint64          `json:"version"`
}

// Typing returns the participants currently typing.
func (s Snapshot) Typing() []Participant {
	var typing []Participant
	for _, p := range s.Participants {
		if p.IsTyping {
			typing = append(typing, p)
		}
	}
	return typing
}

// RoomMeta is what is remembered locally about a joined room.
type RoomMeta struct {
	ID           string    `json:"id"`
	LastJoinedAt time.Time `json:"lastJoinedAt"`
}
