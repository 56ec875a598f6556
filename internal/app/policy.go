// Package app holds policies shared by the application services.
package app

import (
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens to a session whose outbound buffer is full.
type Policy interface {
	OnBackpressure(sid core.SessionID, user domain.UserID, dropped int) BackpressureAction
}

// SimplePolicy disconnects a session after MaxDropped frames were lost.
// Zero means the first dropped frame disconnects.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackpressure(_ core.SessionID, _ domain.UserID, dropped int) BackpressureAction {
	if dropped > p.MaxDropped {
		return Disconnect
	}
	return DropFrame
}
