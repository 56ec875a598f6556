// Package sfutest provides an in-memory media engine for tests.
package sfutest

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
)

var ErrInjected = errors.New("sfutest: injected failure")

var opusCaps = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)

// Caps returns capabilities that can consume any fake producer.
func Caps() json.RawMessage { return opusCaps }

type Factory struct {
	mu      sync.Mutex
	Workers []*Worker

	// FailAt makes NewWorker fail for the given indexes.
	FailAt map[int]error
	// RouterDelay widens the window of CreateRouter.
	RouterDelay time.Duration
	// FailTransport makes every CreateTransport fail.
	FailTransport bool

	seq atomic.Int64
}

func NewFactory() *Factory { return &Factory{FailAt: map[int]error{}} }

func (f *Factory) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, f.seq.Add(1))
}

func (f *Factory) NewWorker(_ context.Context, index int) (core.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailAt[index]; err != nil {
		return nil, err
	}
	w := &Worker{f: f, id: fmt.Sprintf("worker-%d", index), died: make(chan error, 1)}
	f.Workers = append(f.Workers, w)
	return w, nil
}

// Routers returns every router created by any worker.
func (f *Factory) Routers() []*Router {
	f.mu.Lock()
	ws := append([]*Worker(nil), f.Workers...)
	f.mu.Unlock()
	var out []*Router
	for _, w := range ws {
		w.mu.Lock()
		out = append(out, w.routers...)
		w.mu.Unlock()
	}
	return out
}

type Worker struct {
	f       *Factory
	id      string
	died    chan error
	closed  atomic.Bool
	mu      sync.Mutex
	routers []*Router
}

func (w *Worker) ID() string         { return w.id }
func (w *Worker) Died() <-chan error { return w.died }
func (w *Worker) Closed() bool       { return w.closed.Load() }

// Crash simulates a worker fault.
func (w *Worker) Crash(err error) { w.died <- err }

func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *Worker) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	rs := append([]*Router(nil), w.routers...)
	w.mu.Unlock()
	for _, r := range rs {
		r.Close()
	}
}

func (w *Worker) CreateRouter(ctx context.Context) (core.Router, error) {
	if d := w.f.RouterDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &Router{
		f:         w.f,
		worker:    w,
		id:        w.f.nextID("router"),
		producers: map[domain.ProducerID]*Producer{},
	}
	w.mu.Lock()
	w.routers = append(w.routers, r)
	w.mu.Unlock()
	return r, nil
}

type Router struct {
	f      *Factory
	worker *Worker
	id     string

	mu         sync.Mutex
	producers  map[domain.ProducerID]*Producer
	transports []*Transport
	observers  []*Observer
	closeLog   []string
	closed     bool
}

func (r *Router) ID() string                       { return r.id }
func (r *Router) RtpCapabilities() json.RawMessage { return opusCaps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CloseLog lists closed media objects in close order, as "kind:id".
func (r *Router) CloseLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closeLog...)
}

func (r *Router) logClose(kind, id string) {
	r.mu.Lock()
	r.closeLog = append(r.closeLog, kind+":"+id)
	r.mu.Unlock()
}

// Observer returns the first audio level observer of the router.
func (r *Router) Observer() *Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.observers) == 0 {
		return nil
	}
	return r.observers[0]
}

func (r *Router) CreateTransport(_ context.Context, dir core.Direction) (core.Transport, error) {
	if r.f.FailTransport {
		return nil, ErrInjected
	}
	t := &Transport{router: r, id: r.f.nextID("transport"), dir: dir}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, _ core.ObserverOptions) (core.AudioLevelObserver, error) {
	o := &Observer{producers: map[domain.ProducerID]bool{}}
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
	return o, nil
}

func (r *Router) CanConsume(id domain.ProducerID, caps json.RawMessage) bool {
	if len(caps) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return ok && !p.Closed()
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ts := append([]*Transport(nil), r.transports...)
	obs := append([]*Observer(nil), r.observers...)
	r.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
	for _, o := range obs {
		o.Close()
	}
}

type Transport struct {
	router    *Router
	id        string
	dir       core.Direction
	connected atomic.Bool
	closed    atomic.Bool
}

func (t *Transport) ID() string                { return t.id }
func (t *Transport) Direction() core.Direction { return t.dir }
func (t *Transport) Connected() bool           { return t.connected.Load() }
func (t *Transport) Closed() bool              { return t.closed.Load() }

func (t *Transport) Params() json.RawMessage {
	b, _ := json.Marshal(map[string]string{"id": t.id, "direction": string(t.dir)})
	return b
}

func (t *Transport) Connect(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, errors.New("sfutest: transport closed")
	}
	t.connected.Store(true)
	return json.RawMessage(`{"connected":true}`), nil
}

func (t *Transport) Produce(_ context.Context, _ json.RawMessage) (core.Producer, error) {
	if !t.connected.Load() {
		return nil, errors.New("sfutest: transport not connected")
	}
	p := &Producer{router: t.router, id: domain.ProducerID(t.router.f.nextID("producer"))}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producer core.Producer, _ json.RawMessage) (core.Consumer, error) {
	if producer.Closed() {
		return nil, errors.New("sfutest: producer closed")
	}
	return &Consumer{router: t.router, id: t.router.f.nextID("consumer"), pid: producer.ID()}, nil
}

func (t *Transport) Close() {
	if t.closed.CompareAndSwap(false, true) {
		t.router.logClose("transport", t.id)
	}
}

type Producer struct {
	router *Router
	id     domain.ProducerID
	paused atomic.Bool
	closed atomic.Bool

	mu      sync.Mutex
	onClose []func()
}

func (p *Producer) ID() domain.ProducerID { return p.id }
func (p *Producer) Kind() core.MediaKind  { return core.MediaKindAudio }
func (p *Producer) Pause()                { p.paused.Store(true) }
func (p *Producer) Resume()               { p.paused.Store(false) }
func (p *Producer) Paused() bool          { return p.paused.Load() }
func (p *Producer) Closed() bool          { return p.closed.Load() }

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

// End simulates the remote source going away.
func (p *Producer) End() { p.Close() }

func (p *Producer) Close() {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	callbacks := p.onClose
	p.onClose = nil
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	p.router.logClose("producer", string(p.id))
	for _, fn := range callbacks {
		fn()
	}
}

type Consumer struct {
	router *Router
	id     string
	pid    domain.ProducerID
	closed atomic.Bool
}

func (c *Consumer) ID() string                    { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.pid }
func (c *Consumer) Closed() bool                  { return c.closed.Load() }

func (c *Consumer) Params() json.RawMessage {
	b, _ := json.Marshal(map[string]string{"id": c.id, "producerId": string(c.pid), "kind": "audio"})
	return b
}

func (c *Consumer) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.router.logClose("consumer", c.id)
	}
}

type Observer struct {
	mu        sync.Mutex
	producers map[domain.ProducerID]bool
	onVolumes func([]core.AudioVolume)
	onSilence func()
	closed    bool
}

func (o *Observer) AddProducer(p core.Producer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[p.ID()] = true
	return nil
}

func (o *Observer) RemoveProducer(id domain.ProducerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, id)
}

func (o *Observer) Has(id domain.ProducerID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.producers[id]
}

func (o *Observer) OnVolumes(fn func([]core.AudioVolume)) {
	o.mu.Lock()
	o.onVolumes = fn
	o.mu.Unlock()
}

func (o *Observer) OnSilence(fn func()) {
	o.mu.Lock()
	o.onSilence = fn
	o.mu.Unlock()
}

func (o *Observer) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// Emit delivers volumes as the engine would.
func (o *Observer) Emit(v ...core.AudioVolume) {
	o.mu.Lock()
	fn := o.onVolumes
	o.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (o *Observer) Silence() {
	o.mu.Lock()
	fn := o.onSilence
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}
