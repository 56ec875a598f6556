package core

//go:generate mockgen -destination=mocks/mock_collaborators.go -package=mocks . RoomStore,CacheInvalidator,EventPublisher

import (
	"context"

	"github.com/dkeye/parley/internal/domain"
)

// RoomStore is the durable room collaborator. It is authoritative for
// capacity, ownership and active/closed decisions.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	ListActiveRooms(ctx context.Context) ([]*domain.Room, error)
	// Participants returns rows that have not left, earliest joined first.
	Participants(ctx context.Context, id domain.RoomID) ([]domain.ParticipantRecord, error)
	// JoinParticipant fails with ErrRoomFull, ErrRoomClosed or
	// ErrAlreadyInRoom. Rejoining the same room is not an error.
	JoinParticipant(ctx context.Context, id domain.RoomID, user domain.UserID, role domain.Role) error
	LeaveParticipant(ctx context.Context, id domain.RoomID, user domain.UserID) error
	LeaveAll(ctx context.Context, id domain.RoomID) error
	TransferOwnership(ctx context.Context, id domain.RoomID, owner domain.UserID) error
	// CloseRoom reports whether this call moved the room from active to closed.
	CloseRoom(ctx context.Context, id domain.RoomID) (bool, error)
	IsActive(ctx context.Context, id domain.RoomID) (bool, error)
	SetUserOnline(ctx context.Context, user domain.UserID, online bool) error
}

// CacheInvalidator drops cached read models kept by other services.
type CacheInvalidator interface {
	InvalidateRoom(ctx context.Context, id domain.RoomID, reason string) error
	InvalidateRoomList(ctx context.Context) error
}

type EventType string

const (
	EventRoomCreated       EventType = "room.created"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventOwnerChanged      EventType = "owner.changed"
	EventRoomClosed        EventType = "room.closed"
)

type Event struct {
	Type   EventType     `json:"type"`
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId,omitempty"`
	Reason string        `json:"reason,omitempty"`
	At     int64         `json:"at"`
}

// EventPublisher is fire-and-forget.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}
