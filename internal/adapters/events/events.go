// Package events publishes room lifecycle events to a broker.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type KafkaConfig struct {
	Brokers   []string
	Topic     string
	RetryMax  int
	QueueSize int
	Workers   int
}

// Kafka hands events to a bounded queue drained by a few senders, so
// Publish never blocks the caller. Events that do not fit are dropped.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan core.Event
	wg     conc.WaitGroup
}

func NewKafka(cfg KafkaConfig, m *metrics.Metrics) (*Kafka, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.RetryMax
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "events.kafka").Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("producer ready")
	return NewKafkaWithProducer(producer, cfg, m), nil
}

func NewKafkaWithProducer(p sarama.SyncProducer, cfg KafkaConfig, m *metrics.Metrics) *Kafka {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	k := &Kafka{
		producer: p,
		topic:    cfg.Topic,
		metrics:  m,
		queue:    make(chan core.Event, cfg.QueueSize),
	}
	for range cfg.Workers {
		k.wg.Go(k.drain)
	}
	return k
}

func (k *Kafka) Publish(_ context.Context, ev core.Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- ev:
	default:
		k.metrics.EventDropped()
		log.Warn().Str("module", "events.kafka").Str("type", string(ev.Type)).Str("room_id", string(ev.RoomID)).Msg("event queue full, dropping")
	}
}

func (k *Kafka) drain() {
	for ev := range k.queue {
		k.send(ev)
	}
}

func (k *Kafka) send(ev core.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "events.kafka").Msg("encode event")
		return
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.RoomID),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		k.metrics.EventDropped()
		log.Warn().Err(err).Str("module", "events.kafka").Str("type", string(ev.Type)).Msg("send failed")
		return
	}
	log.Debug().Str("module", "events.kafka").Str("type", string(ev.Type)).
		Int32("partition", partition).Int64("offset", offset).Msg("event sent")
}

// Close flushes the queue and closes the producer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	k.wg.Wait()
	return k.producer.Close()
}

// Log writes events to the application log. Used when no broker is configured.
type Log struct{}

func (Log) Publish(_ context.Context, ev core.Event) {
	log.Debug().Str("module", "events.log").Str("type", string(ev.Type)).
		Str("room_id", string(ev.RoomID)).Str("user_id", string(ev.UserID)).
		Str("reason", ev.Reason).Msg("event")
}
