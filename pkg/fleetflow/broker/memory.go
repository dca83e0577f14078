package broker

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryBroker is an in-process broker with at-least-once semantics: nacked
// messages go back on the queue, and Redeliver requeues everything still
// outstanding. Useful for tests and the in-process demo.
type MemoryBroker struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*memoryMessage
	outstanding map[uint64]*memoryMessage
	acked       []string
	nextID      uint64
	closed      bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{outstanding: make(map[uint64]*memoryMessage)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish enqueues a payload.
func (b *MemoryBroker) Publish(key string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.queue = append(b.queue, &memoryMessage{
		broker:  b,
		id:      b.nextID,
		key:     key,
		payload: append([]byte(nil), payload...),
	})
	b.cond.Signal()
}

// Fetch implements Subscription.
func (b *MemoryBroker) Fetch(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	if b.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := b.queue[0]
	b.queue = b.queue[1:]
	msg.deliveries++
	msg.settled = false
	b.outstanding[msg.id] = msg
	return msg, nil
}

// Close implements Subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// Redeliver requeues every outstanding message, as a real broker does after
// a consumer restarts. It also reopens a closed broker.
func (b *MemoryBroker) Redeliver() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]*memoryMessage, 0, len(b.outstanding))
	for id, msg := range b.outstanding {
		delete(b.outstanding, id)
		msgs = append(msgs, msg)
	}
	slices.SortFunc(msgs, func(a, c *memoryMessage) int { return cmp.Compare(a.id, c.id) })
	b.queue = append(msgs, b.queue...)
	b.closed = false
	b.cond.Broadcast()
	return len(msgs)
}

// Acked returns the keys of acknowledged messages in ack order.
func (b *MemoryBroker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Pending returns the number of queued plus outstanding messages.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) + len(b.outstanding)
}

// Outstanding returns the number of delivered but unsettled messages.
func (b *MemoryBroker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outstanding)
}

type memoryMessage struct {
	broker     *MemoryBroker
	id         uint64
	key        string
	payload    []byte
	deliveries int
	settled    bool
}

func (m *memoryMessage) Payload() []byte { return m.payload }
func (m *memoryMessage) Key() string     { return m.key }

func (m *memoryMessage) Ack(context.Context) error {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.settled {
		return nil
	}
	m.settled = true
	delete(b.outstanding, m.id)
	b.acked = append(b.acked, m.key)
	return nil
}

func (m *memoryMessage) Nack(context.Context) error {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.settled {
		return nil
	}
	m.settled = true
	delete(b.outstanding, m.id)
	b.queue = append(b.queue, m)
	b.cond.Signal()
	return nil
}

var _ Subscription = (*MemoryBroker)(nil)
