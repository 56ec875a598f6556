package domain

import "errors"

type Code string

const (
	CodeRoomClosed            Code = "ROOM_CLOSED"
	CodeRoomFull              Code = "ROOM_FULL"
	CodeRoomNotFound          Code = "ROOM_NOT_FOUND"
	CodeNotOwner              Code = "NOT_OWNER"
	CodeNotParticipant        Code = "NOT_PARTICIPANT"
	CodeNotInRoom             Code = "NOT_IN_ROOM"
	CodeAlreadyInRoom         Code = "ALREADY_IN_ROOM"
	CodeBadRequest            Code = "BAD_REQUEST"
	CodeUnknownType           Code = "UNKNOWN_TYPE"
	CodeNoProducer            Code = "NO_PRODUCER"
	CodeTransportNotFound     Code = "TRANSPORT_NOT_FOUND"
	CodeTransportNotConnected Code = "TRANSPORT_NOT_CONNECTED"
	CodeTransportExists       Code = "TRANSPORT_EXISTS"
	CodeProducerExists        Code = "PRODUCER_EXISTS"
	CodeCannotConsume         Code = "CANNOT_CONSUME"
	CodeMediaError            Code = "MEDIA_ERROR"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInternal              Code = "INTERNAL"

	codeStale Code = "STALE"
)

// Error carries a stable code that is safe to show to clients.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Is matches on code so that WithMessage copies still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Code != codeStale || t.Message == e.Message)
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

var (
	ErrRoomClosed            = &Error{CodeRoomClosed, "room is closed"}
	ErrRoomFull              = &Error{CodeRoomFull, "room is full"}
	ErrRoomNotFound          = &Error{CodeRoomNotFound, "room not found"}
	ErrNotOwner              = &Error{CodeNotOwner, "only the room owner can do this"}
	ErrNotParticipant        = &Error{CodeNotParticipant, "user is not a participant of this room"}
	ErrNotInRoom             = &Error{CodeNotInRoom, "not in a room"}
	ErrAlreadyInRoom         = &Error{CodeAlreadyInRoom, "already in a room"}
	ErrBadRequest            = &Error{CodeBadRequest, "bad request"}
	ErrUnknownType           = &Error{CodeUnknownType, "unknown message type"}
	ErrNoProducer            = &Error{CodeNoProducer, "no audio producer yet"}
	ErrTransportNotFound     = &Error{CodeTransportNotFound, "transport not found"}
	ErrTransportNotConnected = &Error{CodeTransportNotConnected, "transport not connected"}
	ErrTransportExists       = &Error{CodeTransportExists, "transport already exists for this direction"}
	ErrProducerExists        = &Error{CodeProducerExists, "already producing"}
	ErrCannotConsume         = &Error{CodeCannotConsume, "cannot consume this producer"}
	ErrMedia                 = &Error{CodeMediaError, "media engine failure"}
	ErrUnauthorized          = &Error{CodeUnauthorized, "unauthorized"}
	ErrInternal              = &Error{CodeInternal, "internal error"}

	// Stale results are reported to the caller as an empty result.
	ErrProducerGone = &Error{codeStale, "producer gone"}
	ErrRoomGone     = &Error{codeStale, "room gone"}
)

// IsStale reports whether err is a race outcome the client should treat
// as "re-fetch and retry".
func IsStale(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == codeStale
}

// AsError maps any error to a client-facing one. Unknown errors become
// INTERNAL so that internals never leak to clients.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return ErrInternal
}
