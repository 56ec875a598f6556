package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// trackWait bounds how long Produce waits for the remote track to arrive
// after the offer was applied.
const trackWait = 10 * time.Second

var ErrWrongDirection = errors.New("sfu: operation not valid for this transport direction")

type transportParams struct {
	ID         string             `json:"id"`
	Direction  core.Direction     `json:"direction"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type produceParams struct {
	Kind    core.MediaKind `json:"kind"`
	TrackID string         `json:"trackId"`
}

type consumerParams struct {
	ID         string                     `json:"id"`
	ProducerID domain.ProducerID          `json:"producerId"`
	Kind       core.MediaKind             `json:"kind"`
	Mid        string                     `json:"mid,omitempty"`
	StreamID   string                     `json:"streamId"`
	TrackID    string                     `json:"trackId"`
	Offer      *webrtc.SessionDescription `json:"offer"`
}

type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// Transport wraps one PeerConnection. A send transport is negotiated by a
// client offer; a recv transport by server offers created on Consume.
type Transport struct {
	id     string
	dir    core.Direction
	router *Router
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	connected atomic.Bool
	closed    atomic.Bool

	// nmu serialises offer/answer exchanges.
	nmu sync.Mutex

	mu      sync.Mutex
	pending map[string]remoteTrack
	arrived chan struct{}
}

func newTransport(id string, dir core.Direction, r *Router, pc *webrtc.PeerConnection) *Transport {
	t := &Transport{
		id:      id,
		dir:     dir,
		router:  r,
		pc:      pc,
		pending: make(map[string]remoteTrack),
		arrived: make(chan struct{}),
		logger: log.With().Str("module", "sfu").
			Str("transport_id", id).Str("direction", string(dir)).Logger(),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug().Str("peer_connection_state", s.String()).Msg("peer state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("track received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.mu.Lock()
		t.pending[track.ID()] = remoteTrack{track: track, receiver: receiver}
		close(t.arrived)
		t.arrived = make(chan struct{})
		t.mu.Unlock()
	})
	return t
}

func (t *Transport) ID() string                { return t.id }
func (t *Transport) Direction() core.Direction { return t.dir }
func (t *Transport) Connected() bool           { return t.connected.Load() }

func (t *Transport) Params() json.RawMessage {
	b, _ := json.Marshal(transportParams{ID: t.id, Direction: t.dir, ICEServers: t.router.worker.rtcConfig.ICEServers})
	return b
}

// Connect applies a client session description. An offer is answered and
// the answer returned; an answer completes a server offer and returns nil.
func (t *Transport) Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(params, &desc); err != nil || desc.SDP == "" {
		return nil, domain.ErrBadRequest.WithMessage("expected a session description")
	}
	t.nmu.Lock()
	defer t.nmu.Unlock()

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		t.connected.Store(true)
		return nil, nil
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	local, err := t.setLocal(ctx, answer)
	if err != nil {
		return nil, err
	}
	t.connected.Store(true)
	return json.Marshal(local)
}

// setLocal applies a local description and waits for ICE gathering so the
// returned description carries every candidate. Caller holds nmu.
func (t *Transport) setLocal(ctx context.Context, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.pc.LocalDescription(), nil
}

// takeTrack waits for the remote track named by id, or any unclaimed track
// when id is empty.
func (t *Transport) takeTrack(ctx context.Context, id string) (remoteTrack, error) {
	ctx, cancel := context.WithTimeout(ctx, trackWait)
	defer cancel()
	for {
		t.mu.Lock()
		for k, rt := range t.pending {
			if id == "" || k == id {
				delete(t.pending, k)
				t.mu.Unlock()
				return rt, nil
			}
		}
		arrived := t.arrived
		t.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return remoteTrack{}, fmt.Errorf("waiting for track %q: %w", id, ctx.Err())
		}
	}
}

func (t *Transport) Produce(ctx context.Context, params json.RawMessage) (core.Producer, error) {
	if t.dir != core.DirectionSend {
		return nil, ErrWrongDirection
	}
	var pp produceParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &pp); err != nil {
			return nil, domain.ErrBadRequest.WithMessage("invalid produce parameters")
		}
	}
	if pp.Kind != "" && pp.Kind != core.MediaKindAudio {
		return nil, domain.ErrBadRequest.WithMessage("only audio can be produced")
	}
	rt, err := t.takeTrack(ctx, pp.TrackID)
	if err != nil {
		return nil, err
	}
	p := newProducer(domain.ProducerID(uuid.NewString()), t.router, rt)
	if err := t.router.addProducer(p); err != nil {
		return nil, err
	}
	p.start()
	return p, nil
}

func audioLevelID(r *webrtc.RTPReceiver) uint8 {
	if r == nil {
		return 0
	}
	for _, ext := range r.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// Consume attaches a local track fed by the producer and returns a fresh
// offer the client must answer through Connect.
func (t *Transport) Consume(ctx context.Context, producer core.Producer, _ json.RawMessage) (core.Consumer, error) {
	if t.dir != core.DirectionRecv {
		return nil, ErrWrongDirection
	}
	p := t.router.producer(producer.ID())
	if p == nil || p.Closed() {
		return nil, domain.ErrProducerGone
	}
	id := uuid.NewString()
	streamID := "parley-" + string(p.id)
	local, err := webrtc.NewTrackLocalStaticRTP(p.codec(), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}

	t.nmu.Lock()
	defer t.nmu.Unlock()

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	c := &Consumer{id: id, producerID: p.id, track: local, sender: sender, transport: t}
	offer, err := t.pc.CreateOffer(nil)
	if err == nil {
		var desc *webrtc.SessionDescription
		if desc, err = t.setLocal(ctx, offer); err == nil {
			c.params, err = json.Marshal(consumerParams{
				ID:         id,
				ProducerID: p.id,
				Kind:       core.MediaKindAudio,
				Mid:        t.midOf(sender),
				StreamID:   streamID,
				TrackID:    id,
				Offer:      desc,
			})
		}
	}
	if err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("negotiate consumer: %w", err)
	}
	if !p.attach(c) {
		c.Close()
		return nil, domain.ErrProducerGone
	}
	return c, nil
}

func (t *Transport) midOf(s *webrtc.RTPSender) string {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Sender() == s {
			return tr.Mid()
		}
	}
	return ""
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) removeSender(s *webrtc.RTPSender) {
	if t.closed.Load() {
		return
	}
	if err := t.pc.RemoveTrack(s); err != nil {
		t.logger.Debug().Err(err).Msg("remove track")
	}
}

func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
	}
	t.router.removeTransport(t)
	t.logger.Debug().Msg("transport closed")
}
