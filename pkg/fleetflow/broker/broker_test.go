package broker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_AckAndNack(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	b.Publish("a", []byte("1"))
	b.Publish("b", []byte("2"))

	m1, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m1.Key())
	require.NoError(t, m1.Nack(ctx))

	m2, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", m2.Key())
	require.NoError(t, m2.Ack(ctx))

	again, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Key(), "nacked message is redelivered")
	require.NoError(t, again.Ack(ctx))
	require.NoError(t, again.Ack(ctx))

	assert.Equal(t, []string{"b", "a"}, b.Acked())
	assert.Zero(t, b.Pending())
}

func TestMemoryBroker_RedeliverOutstanding(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	b.Publish("a", []byte("1"))

	_, err := b.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Fetch(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, 1, b.Redeliver())
	m, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Key())
}

func TestMemoryBroker_FetchHonoursContext(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOffsetTracker_CommitsContiguousRuns(t *testing.T) {
	tr := newOffsetTracker()
	for _, off := range []int64{10, 11, 12} {
		tr.fetched("t", 0, off)
	}
	tr.fetched("t", 1, 5)

	_, moved := tr.ack("t", 0, 11)
	assert.False(t, moved, "offset 10 is still in flight")

	off, moved := tr.ack("t", 0, 10)
	require.True(t, moved)
	assert.Equal(t, int64(11), off)

	off, moved = tr.ack("t", 1, 5)
	require.True(t, moved)
	assert.Equal(t, int64(5), off)

	assert.Equal(t, 1, tr.inFlight())
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaSubscription_CommitsInOrder(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Topic: "events", Partition: 0, Offset: 0, Key: []byte("v1"), Value: []byte("a")},
		{Topic: "events", Partition: 0, Offset: 1, Key: []byte("v2"), Value: []byte("b")},
	}}
	sub := newKafkaSubscription(r, 0)
	ctx := context.Background()

	first, err := sub.Fetch(ctx)
	require.NoError(t, err)
	second, err := sub.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", second.Key())
	assert.Equal(t, []byte("b"), second.Payload())

	require.NoError(t, second.Ack(ctx))
	assert.Empty(t, r.committed)

	require.NoError(t, first.Ack(ctx))
	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(1), r.committed[0].Offset)
	assert.Zero(t, sub.InFlight())

	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKafkaSubscription_NackHoldsCommit(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Topic: "events", Partition: 0, Offset: 7},
		{Topic: "events", Partition: 0, Offset: 8},
	}}
	sub := newKafkaSubscription(r, 0)
	ctx := context.Background()

	first, err := sub.Fetch(ctx)
	require.NoError(t, err)
	second, err := sub.Fetch(ctx)
	require.NoError(t, err)

	require.NoError(t, first.Nack(ctx))
	require.NoError(t, second.Ack(ctx))
	assert.Empty(t, r.committed)
	assert.Equal(t, 2, sub.InFlight())

	require.NoError(t, sub.Close())
	assert.True(t, r.closed)
}

func TestKafkaSubscription_StallsBehindUnackedOffset(t *testing.T) {
	r := &fakeReader{}
	for off := int64(0); off < 10; off++ {
		r.msgs = append(r.msgs, kafka.Message{Topic: "events", Partition: 0, Offset: off})
	}
	sub := newKafkaSubscription(r, 3)
	ctx := context.Background()

	head, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, head.Nack(ctx))
	for i := 0; i < 2; i++ {
		m, err := sub.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, m.Ack(ctx))
	}

	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, 3, sub.InFlight(), "no further offsets are tracked")
	assert.Empty(t, r.committed)
	assert.Len(t, r.msgs, 7, "nothing fetched past the limit")
}

func TestKafkaSubscription_BacklogIsPerPartition(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Topic: "events", Partition: 0, Offset: 0},
		{Topic: "events", Partition: 1, Offset: 0},
		{Topic: "events", Partition: 1, Offset: 1},
	}}
	sub := newKafkaSubscription(r, 2)
	ctx := context.Background()

	held, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, held.Nack(ctx))
	for i := 0; i < 2; i++ {
		m, err := sub.Fetch(ctx)
		require.NoError(t, err, "partition 1 is not held back by partition 0")
		require.NoError(t, m.Ack(ctx))
	}
	assert.Equal(t, 1, sub.InFlight())
	assert.Len(t, r.committed, 2)
}
