package sfu

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
)

var ErrForeignProducer = errors.New("sfu: producer belongs to another engine")

// Observer reports the loudest producers of a router every interval. It
// fires OnSilence once when the last speaker drops below the threshold.
type Observer struct {
	router *Router
	opts   core.ObserverOptions

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	onVolumes func([]core.AudioVolume)
	onSilence func()
	speaking  bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newObserver(r *Router, opts core.ObserverOptions) *Observer {
	if opts.Interval <= 0 {
		opts.Interval = 800
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1
	}
	if opts.Threshold == 0 {
		opts.Threshold = -70
	}
	return &Observer{
		router:    r,
		opts:      opts,
		producers: make(map[domain.ProducerID]*Producer),
		stop:      make(chan struct{}),
	}
}

func (o *Observer) start() {
	go func() {
		t := time.NewTicker(time.Duration(o.opts.Interval) * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-t.C:
				o.tick()
			}
		}
	}()
}

func (o *Observer) AddProducer(p core.Producer) error {
	sp, ok := p.(*Producer)
	if !ok {
		return ErrForeignProducer
	}
	o.mu.Lock()
	o.producers[sp.id] = sp
	o.mu.Unlock()
	return nil
}

func (o *Observer) RemoveProducer(id domain.ProducerID) {
	o.mu.Lock()
	delete(o.producers, id)
	o.mu.Unlock()
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

// tick drains every producer's level meter and fires at most one callback.
// Callbacks run without the observer lock held.
func (o *Observer) tick() {
	o.mu.Lock()
	var vols []core.AudioVolume
	for id, p := range o.producers {
		if p.Paused() || p.Closed() {
			p.level.take()
			continue
		}
		if v, ok := p.level.take(); ok && v >= o.opts.Threshold {
			vols = append(vols, core.AudioVolume{ProducerID: id, Volume: v})
		}
	}
	vols = loudest(vols, o.opts.MaxEntries)

	var fire func()
	switch {
	case len(vols) > 0:
		o.speaking = true
		if fn := o.onVolumes; fn != nil {
			fire = func() { fn(vols) }
		}
	case o.speaking:
		o.speaking = false
		fire = o.onSilence
	}
	o.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// loudest sorts by volume, loudest first, ties by producer id, and keeps limit entries.
func loudest(vols []core.AudioVolume, limit int) []core.AudioVolume {
	sort.Slice(vols, func(i, j int) bool {
		if vols[i].Volume != vols[j].Volume {
			return vols[i].Volume > vols[j].Volume
		}
		return vols[i].ProducerID < vols[j].ProducerID
	})
	if len(vols) > limit {
		vols = vols[:limit]
	}
	return vols
}

func (o *Observer) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.router.removeObserver(o)
	})
}
