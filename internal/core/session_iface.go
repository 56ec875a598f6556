package core

import "github.com/dkeye/parley/internal/domain"

// ConnState is the per-connection state. A missing session is
// Disconnected.
type ConnState interface {
	connState()
}

type Connected struct{}

type InRoom struct {
	RoomID domain.RoomID
	Muted  bool
}

func (Connected) connState() {}
func (InRoom) connState()    {}

// RoomOf returns the room of s if it is InRoom.
func RoomOf(s ConnState) (InRoom, bool) {
	r, ok := s.(InRoom)
	return r, ok
}
