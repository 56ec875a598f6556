package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/parley/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrWorkerClosed = errors.New("sfu: worker closed")

type Worker struct {
	id        string
	api       *webrtc.API
	rtcConfig webrtc.Configuration

	died    chan error
	dieOnce sync.Once

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

func (w *Worker) ID() string         { return w.id }
func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) CreateRouter(_ context.Context) (core.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		observers:  make(map[*Observer]struct{}),
	}
	w.routers[r.id] = r
	return r, nil
}

// fail reports the worker as dead. Only the first report is delivered.
func (w *Worker) fail(err error) {
	w.dieOnce.Do(func() {
		log.Error().Err(err).Str("module", "sfu").Str("worker_id", w.id).Msg("worker died")
		w.died <- err
	})
}

func (w *Worker) forget(r *Router) {
	w.mu.Lock()
	delete(w.routers, r.id)
	w.mu.Unlock()
}

func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	log.Info().Str("module", "sfu").Str("worker_id", w.id).Msg("worker closed")
}
