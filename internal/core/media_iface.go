package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/parley/internal/domain"
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }

type MediaKind string

const MediaKindAudio MediaKind = "audio"

// WorkerFactory creates media engine workers. index is the worker's
// position in the pool and is used to split per-worker resources.
type WorkerFactory interface {
	NewWorker(ctx context.Context, index int) (Worker, error)
}

// Worker is one media engine process. A value sent on Died means the
// worker cannot be trusted any more.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context) (Router, error)
	Died() <-chan error
	Close()
}

// Router scopes producers and consumers to one room.
type Router interface {
	ID() string
	RtpCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, dir Direction) (Transport, error)
	CreateAudioLevelObserver(ctx context.Context, opts ObserverOptions) (AudioLevelObserver, error)
	CanConsume(producerID domain.ProducerID, caps json.RawMessage) bool
	Close()
}

// Transport is a negotiated media path. Connect completes the handshake;
// its reply is forwarded to the client verbatim.
type Transport interface {
	ID() string
	Direction() Direction
	Params() json.RawMessage
	Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	Connected() bool
	Produce(ctx context.Context, params json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producer Producer, caps json.RawMessage) (Consumer, error)
	Close()
}

type Producer interface {
	ID() domain.ProducerID
	Kind() MediaKind
	Pause()
	Resume()
	Paused() bool
	Close()
	Closed() bool
	// OnClose registers fn to run once the producer is closed, whether by
	// Close or because its source ended. Registered after that, fn runs at
	// once.
	OnClose(fn func())
}

type Consumer interface {
	ID() string
	ProducerID() domain.ProducerID
	Params() json.RawMessage
	Close()
	Closed() bool
}

type ObserverOptions struct {
	Interval   int // milliseconds
	Threshold  int // dBov, e.g. -70
	MaxEntries int
}

type AudioVolume struct {
	ProducerID domain.ProducerID
	Volume     int
}

// AudioLevelObserver reports the loudest producers of a router.
// OnVolumes receives entries sorted loudest first.
type AudioLevelObserver interface {
	AddProducer(p Producer) error
	RemoveProducer(id domain.ProducerID)
	OnVolumes(func([]AudioVolume))
	OnSilence(func())
	Close()
}
