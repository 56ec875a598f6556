package sfu

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Producer relays one remote audio track to every consumer attached to it
// and samples its audio level for the observer.
type Producer struct {
	id       domain.ProducerID
	router   *Router
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	levelID  uint8
	logger   zerolog.Logger

	paused atomic.Bool
	closed atomic.Bool

	// read returns the next packet of the source track.
	read func() (*rtp.Packet, error)

	mu      sync.RWMutex
	outs    map[string]*Consumer
	onClose []func()

	level levelMeter
}

func newProducer(id domain.ProducerID, r *Router, rt remoteTrack) *Producer {
	p := &Producer{
		id:       id,
		router:   r,
		track:    rt.track,
		receiver: rt.receiver,
		levelID:  audioLevelID(rt.receiver),
		outs:     make(map[string]*Consumer),
		logger:   log.With().Str("module", "sfu").Str("producer_id", string(id)).Logger(),
	}
	p.read = func() (*rtp.Packet, error) {
		if p.track == nil {
			return nil, io.EOF
		}
		pkt, _, err := p.track.ReadRTP()
		return pkt, err
	}
	return p
}

func (p *Producer) ID() domain.ProducerID { return p.id }
func (p *Producer) Kind() core.MediaKind  { return core.MediaKindAudio }
func (p *Producer) Pause()                { p.paused.Store(true) }
func (p *Producer) Resume()               { p.paused.Store(false) }
func (p *Producer) Paused() bool          { return p.paused.Load() }
func (p *Producer) Closed() bool          { return p.closed.Load() }

func (p *Producer) codec() webrtc.RTPCodecCapability {
	if p.track != nil {
		return p.track.Codec().RTPCodecCapability
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (p *Producer) start() {
	go p.loop()
}

// loop reads RTP from the source track until it ends, then closes the
// producer. A panic here means the worker's forwarding state is corrupt,
// so it is reported as a death.
func (p *Producer) loop() {
	defer func() {
		if v := recover(); v != nil {
			p.router.worker.fail(fmt.Errorf("producer %s relay panic: %v", p.id, v))
		}
	}()
	for !p.closed.Load() {
		pkt, err := p.read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.closed.Load() {
				p.logger.Error().Err(err).Msg("read RTP error, stopping")
			}
			break
		}
		p.forward(pkt)
	}
	p.Close()
}

func (p *Producer) forward(pkt *rtp.Packet) {
	if p.paused.Load() {
		return
	}
	if p.levelID != 0 {
		if raw := pkt.GetExtension(p.levelID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				p.level.record(-int(ext.Level))
			}
		}
	}

	p.mu.RLock()
	snapshot := maps.Clone(p.outs)
	p.mu.RUnlock()

	var dirty []string
	for id, c := range snapshot {
		if c.state.Load() == consumerDeleted {
			dirty = append(dirty, id)
			continue
		}
		if err := c.track.WriteRTP(pkt); err != nil {
			p.logger.Error().Err(err).Str("consumer_id", id).Msg("write RTP error, dropping consumer")
			c.markDeleted()
			dirty = append(dirty, id)
		}
	}
	if len(dirty) > 0 {
		p.mu.Lock()
		for _, id := range dirty {
			delete(p.outs, id)
		}
		p.mu.Unlock()
	}
}

// attach registers c unless the producer already closed.
func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return false
	}
	p.outs[c.id] = c
	return true
}

func (p *Producer) markAllDelete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.outs {
		c.markDeleted()
	}
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if !p.closed.Load() {
		p.onClose = append(p.onClose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

func (p *Producer) Close() {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	callbacks := p.onClose
	p.onClose = nil
	p.mu.Unlock()
	p.markAllDelete()
	if p.receiver != nil {
		if err := p.receiver.Stop(); err != nil {
			p.logger.Debug().Err(err).Msg("stop receiver")
		}
	}
	p.router.removeProducer(p)
	p.logger.Debug().Msg("producer closed")
	for _, fn := range callbacks {
		fn()
	}
}

// levelMeter averages audio level samples between observer ticks.
type levelMeter struct {
	mu    sync.Mutex
	sum   int
	count int
}

func (m *levelMeter) record(dbov int) {
	m.mu.Lock()
	m.sum += dbov
	m.count++
	m.mu.Unlock()
}

// take returns the mean level since the previous call.
func (m *levelMeter) take() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return 0, false
	}
	avg := m.sum / m.count
	m.sum, m.count = 0, 0
	return avg, true
}
