package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMQTTMessage struct {
	topic   string
	payload []byte
	acks    atomic.Int32
}

func (m *fakeMQTTMessage) Duplicate() bool   { return false }
func (m *fakeMQTTMessage) Qos() byte         { return 1 }
func (m *fakeMQTTMessage) Retained() bool    { return false }
func (m *fakeMQTTMessage) Topic() string     { return m.topic }
func (m *fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m *fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m *fakeMQTTMessage) Ack()              { m.acks.Add(1) }

var _ mqtt.Message = (*fakeMQTTMessage)(nil)

func TestMQTTSubscription_AckOnce(t *testing.T) {
	s := newMQTTSubscription("fleet/events", 4)
	ctx := context.Background()
	raw := &fakeMQTTMessage{topic: "fleet/events", payload: []byte(`{"eventId":"e1"}`)}
	s.deliver(nil, raw)

	msg, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fleet/events", msg.Key())
	assert.Equal(t, raw.payload, msg.Payload())

	require.NoError(t, msg.Ack(ctx))
	require.NoError(t, msg.Ack(ctx))
	require.NoError(t, msg.Nack(ctx))
	assert.Equal(t, int32(1), raw.acks.Load())
}

func TestMQTTSubscription_NackWithholdsAck(t *testing.T) {
	s := newMQTTSubscription("fleet/events", 4)
	ctx := context.Background()
	raw := &fakeMQTTMessage{topic: "fleet/events"}
	s.deliver(nil, raw)

	msg, err := s.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, msg.Nack(ctx))
	require.NoError(t, msg.Ack(ctx), "settling twice is a no-op")
	assert.Zero(t, raw.acks.Load())
}

func TestMQTTSubscription_Close(t *testing.T) {
	s := newMQTTSubscription("fleet/events", 1)
	ctx := context.Background()
	s.deliver(nil, &fakeMQTTMessage{topic: "fleet/events"})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Fetch(ctx)
	assert.ErrorIs(t, err, ErrClosed, "buffered messages are not handed out after close")

	done := make(chan struct{})
	go func() {
		s.deliver(nil, &fakeMQTTMessage{topic: "fleet/events"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a closed subscription with a full buffer")
	}
}

func TestMQTTSubscription_FetchHonoursContext(t *testing.T) {
	s := newMQTTSubscription("fleet/events", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
