package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Simulate answers events on a local handle as a server would: joins are
// acked with the joining user as the only participant and sends are acked
// with a locally generated server id. Everything else is acked empty.
func Simulate(_ context.Context, event string, payload json.RawMessage) (json.RawMessage, error) {
	var ack any
	switch event {
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("simulate %s: %w", event, err)
		}
		join := JoinRoomAck{RoomID: p.RoomID}
		if p.UserID != "" {
			join.Participants = []ParticipantPayload{{
				RoomID:      p.RoomID,
				ID:          p.UserID,
				DisplayName: p.DisplayName,
				JoinedAt:    time.Now(),
			}}
		}
		ack = join
	case EventSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("simulate %s: %w", event, err)
		}
		ack = SendMessageAck{
			ClientMessageID: p.ClientMessageID,
			ServerID:        "local-" + uuid.NewString(),
			SentAt:          p.SentAt,
		}
	default:
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(ack)
}
