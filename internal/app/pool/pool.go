// Package pool owns the fixed set of media engine workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/parley/internal/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyPool = errors.New("pool: at least one worker is required")

// FatalHandler is called once when any worker dies. Room state on that
// worker cannot be trusted, so the handler is expected to end the process.
type FatalHandler func(w core.Worker, err error)

type Pool struct {
	workers []core.Worker
	next    atomic.Uint64

	fatalOnce sync.Once
	onFatal   FatalHandler
	stop      chan struct{}
	closeOnce sync.Once
}

// New creates n workers concurrently. Either all of them are created or
// none are kept: on any failure the already created workers are closed.
func New(ctx context.Context, n int, factory core.WorkerFactory, onFatal FatalHandler) (*Pool, error) {
	if n <= 0 {
		return nil, ErrEmptyPool
	}
	workers := make([]core.Worker, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			w, err := factory.NewWorker(gctx, i)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.Close()
			}
		}
		return nil, err
	}

	p := &Pool{
		workers: workers,
		onFatal: onFatal,
		stop:    make(chan struct{}),
	}
	for _, w := range workers {
		go p.watch(w)
		log.Info().Str("module", "app.pool").Str("worker_id", w.ID()).Msg("worker started")
	}
	return p, nil
}

func (p *Pool) watch(w core.Worker) {
	select {
	case <-p.stop:
	case err, ok := <-w.Died():
		if !ok {
			return
		}
		log.Error().Err(err).Str("module", "app.pool").Str("worker_id", w.ID()).Msg("worker died")
		p.fatalOnce.Do(func() {
			if p.onFatal != nil {
				p.onFatal(w, err)
			}
		})
	}
}

// Next returns workers in round-robin order.
func (p *Pool) Next() core.Worker {
	i := p.next.Add(1) - 1
	return p.workers[i%uint64(len(p.workers))]
}

func (p *Pool) Size() int { return len(p.workers) }

func (p *Pool) Workers() []core.Worker {
	out := make([]core.Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		for _, w := range p.workers {
			w.Close()
		}
		log.Info().Str("module", "app.pool").Int("workers", len(p.workers)).Msg("pool closed")
	})
}
