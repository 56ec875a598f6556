// Package sfu is an in-process selective forwarding engine built on pion.
// Each worker owns a webrtc.API with its own UDP port range; routers scope
// producers and consumers to one room.
package sfu

import (
	"context"
	"fmt"

	"github.com/dkeye/parley/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const opusPayloadType = 111

type Config struct {
	// Workers is the pool size. The port range is split evenly between them.
	Workers      int
	MinPort      uint16
	MaxPort      uint16
	AnnouncedIPs []string
	ICEServers   []string
}

type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Factory{cfg: cfg}
}

// portRange returns the slice of [MinPort, MaxPort] owned by worker index.
func (f *Factory) portRange(index int) (uint16, uint16, error) {
	if f.cfg.MinPort == 0 && f.cfg.MaxPort == 0 {
		return 0, 0, nil
	}
	total := int(f.cfg.MaxPort) - int(f.cfg.MinPort) + 1
	span := total / f.cfg.Workers
	if span < 1 {
		return 0, 0, fmt.Errorf("port range %d-%d too small for %d workers", f.cfg.MinPort, f.cfg.MaxPort, f.cfg.Workers)
	}
	lo := int(f.cfg.MinPort) + index*span
	return uint16(lo), uint16(lo + span - 1), nil
}

func newMediaEngine() (*webrtc.MediaEngine, *interceptor.Registry, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, nil, fmt.Errorf("register audio level: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}
	return m, i, nil
}

func (f *Factory) NewWorker(_ context.Context, index int) (core.Worker, error) {
	m, i, err := newMediaEngine()
	if err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	lo, hi, err := f.portRange(index)
	if err != nil {
		return nil, err
	}
	if hi > 0 {
		if err := se.SetEphemeralUDPPortRange(lo, hi); err != nil {
			return nil, fmt.Errorf("worker %d ports: %w", index, err)
		}
	}
	if len(f.cfg.AnnouncedIPs) > 0 {
		se.SetNAT1To1IPs(f.cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}

	w := &Worker{
		id: fmt.Sprintf("worker-%d", index),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(se),
		),
		rtcConfig: webrtc.Configuration{ICEServers: iceServers(f.cfg.ICEServers)},
		died:      make(chan error, 1),
		routers:   make(map[string]*Router),
	}
	log.Info().Str("module", "sfu").Str("worker_id", w.id).
		Uint16("min_port", lo).Uint16("max_port", hi).Msg("worker started")
	return w, nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
