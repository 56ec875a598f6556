package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectType(want core.EventType) mocks.ValueChecker {
	return func(val []byte) error {
		var ev core.Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != want {
			return fmt.Errorf("got %s, want %s", ev.Type, want)
		}
		return nil
	}
}

func TestKafka_PublishesInOrder(t *testing.T) {
	sp := mocks.NewSyncProducer(t, sarama.NewConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(expectType(core.EventRoomCreated))
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(expectType(core.EventParticipantJoined))

	k := NewKafkaWithProducer(sp, KafkaConfig{Topic: "rooms", Workers: 1}, nil)
	ctx := context.Background()
	k.Publish(ctx, core.Event{Type: core.EventRoomCreated, RoomID: "r1"})
	k.Publish(ctx, core.Event{Type: core.EventParticipantJoined, RoomID: "r1", UserID: "alice"})
	require.NoError(t, k.Close())
}

func TestKafka_SendFailureIsCounted(t *testing.T) {
	m := metrics.New()
	sp := mocks.NewSyncProducer(t, sarama.NewConfig())
	sp.ExpectSendMessageAndFail(errors.New("broker down"))

	k := NewKafkaWithProducer(sp, KafkaConfig{Topic: "rooms"}, m)
	k.Publish(context.Background(), core.Event{Type: core.EventRoomClosed, RoomID: "r1"})
	require.NoError(t, k.Close())

	expected := `
# HELP parley_events_dropped_total Lifecycle events that never reached the broker.
# TYPE parley_events_dropped_total counter
parley_events_dropped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "parley_events_dropped_total"))
}

func TestKafka_PublishAfterCloseIsDropped(t *testing.T) {
	sp := mocks.NewSyncProducer(t, sarama.NewConfig())
	k := NewKafkaWithProducer(sp, KafkaConfig{Topic: "rooms"}, nil)
	require.NoError(t, k.Close())
	assert.NotPanics(t, func() {
		k.Publish(context.Background(), core.Event{Type: core.EventRoomClosed, RoomID: "r1"})
	})
	assert.NoError(t, k.Close())
}
