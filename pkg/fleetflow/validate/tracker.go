package validate

import (
	"hash/fnv"
	"sync"
	"time"
)

// TrackerConfig bounds the per-vehicle monotonicity state.
type TrackerConfig struct {
	// Shards is the number of independently locked partitions.
	Shards int

	// Capacity is the maximum number of vehicles tracked across all shards.
	// When a shard is full the vehicle seen least recently is evicted.
	Capacity int

	// TTL evicts vehicles that have not produced an accepted event for this long.
	TTL time.Duration
}

// DefaultTrackerConfig is used when no configuration is supplied.
var DefaultTrackerConfig = TrackerConfig{
	Shards:   64,
	Capacity: 100_000,
	TTL:      time.Hour,
}

// Tracker remembers the last accepted occurredAt per vehicle.
//
// Locks are held per shard, never globally, so events for unrelated vehicles
// do not serialize on each other. Eviction forgets a vehicle entirely; the
// next event for it is accepted regardless of its timestamp.
type Tracker struct {
	shards   []*trackerShard
	perShard int
	ttl      time.Duration
	now      func() time.Time
	onEvict  func(vehicleID string)
}

type trackerShard struct {
	mu       sync.Mutex
	vehicles map[string]*vehicleState
}

type vehicleState struct {
	lastOccurredAt time.Time
	lastEventID    string
	lastSeen       time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock replaces the time source used for TTL bookkeeping.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithEvictionHook is called, under the shard lock, for every evicted vehicle.
func WithEvictionHook(fn func(vehicleID string)) TrackerOption {
	return func(t *Tracker) {
		t.onEvict = fn
	}
}

// NewTracker creates a Tracker. Zero fields in cfg take DefaultTrackerConfig values.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultTrackerConfig.Shards
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultTrackerConfig.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTrackerConfig.TTL
	}

	t := &Tracker{
		shards:   make([]*trackerShard, cfg.Shards),
		perShard: max(cfg.Capacity/cfg.Shards, 1),
		ttl:      cfg.TTL,
		now:      time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &trackerShard{vehicles: make(map[string]*vehicleState)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Admit records occurredAt for vehicleID if it is strictly newer than the
// last accepted event. A redelivery of the last accepted event id is admitted
// without changing state so that it reaches the idempotency check.
//
// On rejection the previously accepted timestamp is returned.
func (t *Tracker) Admit(vehicleID, eventID string, occurredAt time.Time) (bool, time.Time) {
	s := t.shard(vehicleID)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.vehicles[vehicleID]
	if ok && now.Sub(st.lastSeen) >= t.ttl {
		delete(s.vehicles, vehicleID)
		t.evicted(vehicleID)
		ok = false
	}

	if ok {
		if eventID == st.lastEventID {
			return true, st.lastOccurredAt
		}
		if !occurredAt.After(st.lastOccurredAt) {
			return false, st.lastOccurredAt
		}
		st.lastOccurredAt = occurredAt
		st.lastEventID = eventID
		st.lastSeen = now
		return true, occurredAt
	}

	if len(s.vehicles) >= t.perShard {
		s.evictOldestLocked(t)
	}
	s.vehicles[vehicleID] = &vehicleState{
		lastOccurredAt: occurredAt,
		lastEventID:    eventID,
		lastSeen:       now,
	}
	return true, occurredAt
}

// Last returns the last accepted occurredAt for vehicleID.
func (t *Tracker) Last(vehicleID string) (time.Time, bool) {
	s := t.shard(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.vehicles[vehicleID]
	if !ok {
		return time.Time{}, false
	}
	return st.lastOccurredAt, true
}

// Sweep evicts every vehicle idle for longer than the TTL and returns the count.
func (t *Tracker) Sweep() int {
	now := t.now()
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for id, st := range s.vehicles {
			if now.Sub(st.lastSeen) >= t.ttl {
				delete(s.vehicles, id)
				t.evicted(id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked vehicles.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.vehicles)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) shard(vehicleID string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *Tracker) evicted(vehicleID string) {
	if t.onEvict != nil {
		t.onEvict(vehicleID)
	}
}

func (s *trackerShard) evictOldestLocked(t *Tracker) {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, st := range s.vehicles {
		if oldestID == "" || st.lastSeen.Before(oldest) {
			oldestID, oldest = id, st.lastSeen
		}
	}
	if oldestID != "" {
		delete(s.vehicles, oldestID)
		t.evicted(oldestID)
	}
}
