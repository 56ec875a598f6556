// Package protocol names the real-time messages and their payloads.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/parley/internal/domain"
)

// Client to server.
const (
	HallwaySubscribe   = "hallway:subscribe"
	HallwayUnsubscribe = "hallway:unsubscribe"

	RoomJoin  = "room:join"
	RoomLeave = "room:leave"
	RoomMute  = "room:mute"
	RoomKick  = "room:kick"

	VoiceGetRtpCapabilities = "voice:get-rtp-capabilities"
	VoiceCreateTransport    = "voice:create-transport"
	VoiceConnectTransport   = "voice:connect-transport"
	VoiceProduce            = "voice:produce"
	VoiceConsume            = "voice:consume"

	Ping = "ping"
)

// Server to client.
const (
	HallwayRoomCreated = "hallway:room-created"
	HallwayRoomUpdated = "hallway:room-updated"
	HallwayRoomClosed  = "hallway:room-closed"

	RoomUserJoined          = "room:user-joined"
	RoomUserLeft            = "room:user-left"
	RoomUserMuted           = "room:user-muted"
	RoomUserKicked          = "room:user-kicked"
	RoomOwnerChanged        = "room:owner-changed"
	RoomActiveSpeaker       = "room:active-speaker"
	RoomParticipantsUpdated = "room:participants-updated"

	VoiceNewProducer    = "voice:new-producer"
	VoiceConsumerClosed = "voice:consumer-closed"

	SessionReplaced = "session:replaced"

	Ack   = "ack"
	Error = "error"
	Pong  = "pong"
)

// Inbound is the envelope of every client message.
type Inbound struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope of every server message.
type Outbound struct {
	Type  string        `json:"type"`
	ID    string        `json:"id,omitempty"`
	OK    *bool         `json:"ok,omitempty"`
	Data  any           `json:"data,omitempty"`
	Error *domain.Error `json:"error,omitempty"`
}

func Event(typ string, data any) Outbound {
	return Outbound{Type: typ, Data: data}
}

// AckOK answers a request. A nil data is sent as JSON null so that the
// client can tell an empty result from a missing one.
func AckOK(id string, data any) Outbound {
	ok := true
	if data == nil {
		data = json.RawMessage("null")
	}
	return Outbound{Type: Ack, ID: id, OK: &ok, Data: data}
}

func AckErr(id string, err *domain.Error) Outbound {
	ok := false
	return Outbound{Type: Ack, ID: id, OK: &ok, Error: err}
}

func ErrorEvent(err *domain.Error) Outbound {
	return Outbound{Type: Error, Data: err}
}

// Encode marshals v; outbound payloads are plain structs so it never fails
// in practice, but the error is still reported.
func Encode(v Outbound) ([]byte, error) {
	return json.Marshal(v)
}

type RoomRef struct {
	RoomID domain.RoomID `json:"roomId"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

type KickRequest struct {
	UserID domain.UserID `json:"userId"`
}

type CreateTransportRequest struct {
	Direction string `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID string          `json:"transportId"`
	Params      json.RawMessage `json:"params"`
}

type ProduceRequest struct {
	TransportID string          `json:"transportId"`
	Params      json.RawMessage `json:"params"`
}

type ConsumeRequest struct {
	ProducerID      domain.ProducerID `json:"producerId"`
	RtpCapabilities json.RawMessage   `json:"rtpCapabilities"`
}

type UserRef struct {
	UserID domain.UserID `json:"userId"`
}

type UserMuted struct {
	UserID domain.UserID `json:"userId"`
	Muted  bool          `json:"muted"`
}

type OwnerChanged struct {
	RoomID  domain.RoomID `json:"roomId"`
	OwnerID domain.UserID `json:"ownerId"`
}

// ActiveSpeaker carries a nil UserID for silence.
type ActiveSpeaker struct {
	UserID *domain.UserID `json:"userId"`
}

type NewProducer struct {
	UserID     domain.UserID     `json:"userId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerClosed struct {
	ConsumerID string            `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type RoomClosed struct {
	RoomID domain.RoomID `json:"roomId"`
	Reason string        `json:"reason,omitempty"`
}

type Kicked struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
	By     domain.UserID `json:"by"`
}

type TransportCreated struct {
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

type Produced struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type Consumed struct {
	ConsumerID string            `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
	UserID     domain.UserID     `json:"userId"`
	Params     json.RawMessage   `json:"params"`
}
