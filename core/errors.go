package core

import "errors"

var (
	ErrNotJoined       = errors.New("room not joined")
	ErrEmptyBody       = errors.New("message body is empty")
	ErrInvalidRoomID   = errors.New("invalid room id")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRetryable    = errors.New("message is not in a failed state")
	ErrManagerClosed   = errors.New("manager closed")
	ErrRoomRejected    = errors.New("room rejected")
	ErrJoinCancelled   = errors.New("join cancelled")
)
