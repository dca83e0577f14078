package broker

import "sync"

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker turns out-of-order acks into in-order commits. A partition's
// commit point only advances over a contiguous run of acked offsets, so a
// slow or abandoned message holds back the commit for everything fetched
// after it on the same partition.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64 // fetch order, ascending
	acked   map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionOffsets)}
}

// fetched registers an offset as in flight.
func (t *offsetTracker) fetched(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{topic, partition}
	p, ok := t.partitions[key]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.partitions[key] = p
	}
	p.pending = append(p.pending, offset)
}

// acked marks an offset done and returns the highest offset that can now be
// committed, if the commit point moved.
func (t *offsetTracker) ack(topic string, partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partitionKey{topic, partition}]
	if !ok {
		return 0, false
	}
	p.acked[offset] = true

	var last int64
	moved := false
	for len(p.pending) > 0 && p.acked[p.pending[0]] {
		last = p.pending[0]
		delete(p.acked, last)
		p.pending = p.pending[1:]
		moved = true
	}
	return last, moved
}

// inFlight returns the number of fetched but uncommitted offsets.
func (t *offsetTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}

// backlog returns the largest number of uncommitted offsets held by any one
// partition.
func (t *offsetTracker) backlog() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.partitions {
		n = max(n, len(p.pending))
	}
	return n
}
