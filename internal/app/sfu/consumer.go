package sfu

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dkeye/parley/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	consumerLive int32 = iota
	consumerDeleted
)

// Consumer is one outgoing copy of a producer's track on a recv transport.
type Consumer struct {
	id         string
	producerID domain.ProducerID
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	transport  *Transport
	params     json.RawMessage

	state     atomic.Int32
	closeOnce sync.Once
}

func (c *Consumer) ID() string                    { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *Consumer) Params() json.RawMessage       { return c.params }
func (c *Consumer) Closed() bool                  { return c.state.Load() == consumerDeleted }

// markDeleted stops forwarding; the producer prunes it on the next packet.
func (c *Consumer) markDeleted() bool {
	return c.state.CompareAndSwap(consumerLive, consumerDeleted)
}

func (c *Consumer) Close() {
	c.markDeleted()
	c.closeOnce.Do(func() {
		if c.transport != nil && c.sender != nil {
			c.transport.removeSender(c.sender)
		}
	})
}
