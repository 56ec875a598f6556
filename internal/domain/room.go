package domain

import "time"

type (
	RoomID     string
	ProducerID string
)

type Role string

const (
	RoleOwner       Role = "owner"
	RoleParticipant Role = "participant"
)

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomClosed RoomStatus = "closed"
)

const (
	DefaultRoomCapacity = 12
	MaxRoomTitleLen     = 64
)

// Room is the durable room record.
type Room struct {
	ID        RoomID     `json:"id"`
	Title     string     `json:"title"`
	Language  string     `json:"language,omitempty"`
	OwnerID   UserID     `json:"ownerId"`
	Capacity  int        `json:"capacity"`
	Status    RoomStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

func (r *Room) Active() bool { return r != nil && r.Status == RoomActive }

// ParticipantRecord is a durable participant row. LeftAt is nil while the
// user is still a member.
type ParticipantRecord struct {
	RoomID   RoomID     `json:"roomId"`
	UserID   UserID     `json:"userId"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// RoomSummary is what the hallway sees.
type RoomSummary struct {
	ID               RoomID `json:"id"`
	Title            string `json:"title"`
	Language         string `json:"language,omitempty"`
	OwnerID          UserID `json:"ownerId"`
	Capacity         int    `json:"capacity"`
	ParticipantCount int    `json:"participantCount"`
}

func (r *Room) Summary(participants int) RoomSummary {
	return RoomSummary{
		ID:               r.ID,
		Title:            r.Title,
		Language:         r.Language,
		OwnerID:          r.OwnerID,
		Capacity:         r.Capacity,
		ParticipantCount: participants,
	}
}

// NewRoom validates input and returns an active room owned by owner.
func NewRoom(id RoomID, title, language string, owner UserID, capacity int, now time.Time) (*Room, error) {
	if title == "" {
		return nil, ErrBadRequest.WithMessage("title is required")
	}
	if len(title) > MaxRoomTitleLen {
		return nil, ErrBadRequest.WithMessage("title too long")
	}
	if owner == "" {
		return nil, ErrBadRequest.WithMessage("owner is required")
	}
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}
	return &Room{
		ID:        id,
		Title:     title,
		Language:  language,
		OwnerID:   owner,
		Capacity:  capacity,
		Status:    RoomActive,
		CreatedAt: now,
	}, nil
}
