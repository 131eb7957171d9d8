package relay

import (
	"errors"
	"fmt"
)

type Error struct {
	msg string
	// Sensitive errors are logged but never sent to clients.
	Sensitive bool
}

func NewInsensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: false}
}

func NewSensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: true}
}

func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...), Sensitive: false}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrRoomNotFound   = NewInsensitiveError("room not found")
	ErrRoomExists     = NewInsensitiveError("room already exists")
	ErrNotMember      = NewInsensitiveError("not a member of the room")
	ErrInvalidPayload = NewInsensitiveError("invalid payload")
	ErrUnknownEvent   = NewInsensitiveError("unknown event")
	ErrHubClosed      = NewSensitiveError("hub closed")
)

// publicReason is the text sent to clients for err.
func publicReason(err error) string {
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		return err.Error()
	}
	return "internal error"
}
