package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrRouterClosed = errors.New("sfu: router closed")

type codecCapability struct {
	Kind                 string `json:"kind"`
	MimeType             string `json:"mimeType"`
	ClockRate            uint32 `json:"clockRate"`
	Channels             uint16 `json:"channels,omitempty"`
	PreferredPayloadType uint8  `json:"preferredPayloadType,omitempty"`
}

type headerExtension struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

type rtpCapabilities struct {
	Codecs           []codecCapability `json:"codecs"`
	HeaderExtensions []headerExtension `json:"headerExtensions,omitempty"`
}

var routerCaps = func() json.RawMessage {
	b, _ := json.Marshal(rtpCapabilities{
		Codecs: []codecCapability{{
			Kind:                 "audio",
			MimeType:             webrtc.MimeTypeOpus,
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: opusPayloadType,
		}},
		HeaderExtensions: []headerExtension{{Kind: "audio", URI: sdp.AudioLevelURI}},
	})
	return b
}()

type Router struct {
	id     string
	worker *Worker

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	observers  map[*Observer]struct{}
	closed     bool
}

func (r *Router) ID() string                       { return r.id }
func (r *Router) RtpCapabilities() json.RawMessage { return routerCaps }

func (r *Router) CreateTransport(_ context.Context, dir core.Direction) (core.Transport, error) {
	if !dir.Valid() {
		return nil, domain.ErrBadRequest.WithMessage("invalid direction")
	}
	pc, err := r.worker.api.NewPeerConnection(r.worker.rtcConfig)
	if err != nil {
		return nil, err
	}
	t := newTransport(uuid.NewString(), dir, r, pc)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts core.ObserverOptions) (core.AudioLevelObserver, error) {
	o := newObserver(r, opts)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.observers[o] = struct{}{}
	r.mu.Unlock()
	o.start()
	return o, nil
}

// CanConsume reports whether the producer is live on this router and the
// capabilities can receive Opus.
func (r *Router) CanConsume(id domain.ProducerID, caps json.RawMessage) bool {
	if p := r.producer(id); p == nil || p.Closed() {
		return false
	}
	var rc rtpCapabilities
	if err := json.Unmarshal(caps, &rc); err != nil {
		return false
	}
	for _, c := range rc.Codecs {
		if strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
			return true
		}
	}
	return false
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[string(id)]
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	r.producers[string(p.id)] = p
	return nil
}

func (r *Router) removeProducer(p *Producer) {
	r.mu.Lock()
	delete(r.producers, string(p.id))
	r.mu.Unlock()
}

func (r *Router) removeTransport(t *Transport) {
	r.mu.Lock()
	delete(r.transports, t.id)
	r.mu.Unlock()
}

func (r *Router) removeObserver(o *Observer) {
	r.mu.Lock()
	delete(r.observers, o)
	r.mu.Unlock()
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var (
		ts []*Transport
		ps []*Producer
		os []*Observer
	)
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	for _, p := range r.producers {
		ps = append(ps, p)
	}
	for o := range r.observers {
		os = append(os, o)
	}
	r.mu.Unlock()

	for _, o := range os {
		o.Close()
	}
	for _, p := range ps {
		p.Close()
	}
	for _, t := range ts {
		t.Close()
	}
	r.worker.forget(r)
	log.Debug().Str("module", "sfu").Str("router_id", r.id).Msg("router closed")
}
