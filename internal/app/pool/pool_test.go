package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/parley/internal/app/sfu/sfutest"
	"github.com/dkeye/parley/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsRoundRobin(t *testing.T) {
	f := sfutest.NewFactory()
	p, err := New(context.Background(), 3, f, nil)
	require.NoError(t, err)
	defer p.Close()

	counts := map[string]int{}
	for range 30 {
		counts[p.Next().ID()]++
	}
	require.Len(t, counts, 3)
	for id, n := range counts {
		assert.Equal(t, 10, n, id)
	}
}

func TestNewIsAllOrNothing(t *testing.T) {
	f := sfutest.NewFactory()
	f.FailAt[2] = errors.New("spawn failed")

	p, err := New(context.Background(), 4, f, nil)
	require.Error(t, err)
	assert.Nil(t, p)
	for _, w := range f.Workers {
		assert.True(t, w.Closed(), "worker %s left running", w.ID())
	}
}

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := New(context.Background(), 0, sfutest.NewFactory(), nil)
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestWorkerDeathIsFatal(t *testing.T) {
	f := sfutest.NewFactory()
	fatal := make(chan string, 2)
	p, err := New(context.Background(), 2, f, func(w core.Worker, err error) {
		fatal <- w.ID()
	})
	require.NoError(t, err)
	defer p.Close()

	f.Workers[1].Crash(errors.New("segfault"))
	select {
	case id := <-fatal:
		assert.Equal(t, f.Workers[1].ID(), id)
	case <-time.After(time.Second):
		t.Fatal("fatal handler not called")
	}
}
