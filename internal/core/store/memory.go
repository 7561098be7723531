package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core"
)

// MemoryStore keeps all limit state in process memory. State is lost on
// restart and invisible to other instances, which is the right trade for a
// single-node deployment or tests.
//
// Keys that stay idle past the configured TTL are evicted, lazily on access
// and by a background sweeper, so the maps cannot grow without bound under
// churning key populations.
type MemoryStore struct {
	// Clock is overridable for tests. Set it before first use.
	Clock func() time.Time

	mu       sync.Mutex
	buckets  map[string]*memoryBucket
	windows  map[string]*memoryWindow
	counters map[string]*memoryCounter

	idleTTL time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type memoryBucket struct {
	state   core.BucketState
	touched time.Time
}

type memoryWindow struct {
	events  []time.Time
	touched time.Time
}

type memoryCounter struct {
	state   core.CounterState
	touched time.Time
}

// NewMemoryStore builds an in-memory store. A background sweeper starts when
// both idle_ttl and sweep_interval are positive; Close stops it.
func NewMemoryStore(cfg config.StoreConfig) *MemoryStore {
	s := &MemoryStore{
		buckets:  make(map[string]*memoryBucket),
		windows:  make(map[string]*memoryWindow),
		counters: make(map[string]*memoryCounter),
		idleTTL:  cfg.IdleTTL,
	}

	if cfg.IdleTTL > 0 && cfg.SweepInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.runSweeper(cfg.SweepInterval)
	}

	return s
}

func (s *MemoryStore) GetBucket(ctx context.Context, key string) (*core.BucketState, error) {
	if s == nil {
		return nil, errors.New("store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.buckets[key]
	if !ok {
		return nil, nil
	}
	if s.expired(entry.touched) {
		delete(s.buckets, key)
		return nil, nil
	}

	state := entry.state
	return &state, nil
}

func (s *MemoryStore) PutBucket(ctx context.Context, key string, state *core.BucketState) error {
	if s == nil {
		return errors.New("store is not initialized")
	}
	if state == nil {
		return errors.New("bucket state is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets[key] = &memoryBucket{state: *state, touched: s.now()}
	return nil
}

func (s *MemoryStore) AppendWindowEvent(ctx context.Context, key string, at time.Time, windowStart time.Time, limit int) (WindowResult, error) {
	if s == nil {
		return WindowResult{}, errors.New("store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || s.expired(entry.touched) {
		entry = &memoryWindow{}
		s.windows[key] = entry
	}

	kept := entry.events[:0]
	for _, event := range entry.events {
		if event.After(windowStart) {
			kept = append(kept, event)
		}
	}
	entry.events = kept

	result := WindowResult{Count: len(entry.events)}
	if result.Count < limit {
		entry.events = append(entry.events, at)
		result.Count++
		result.Admitted = true
	}
	entry.touched = s.now()

	for _, event := range entry.events {
		if result.Oldest.IsZero() || event.Before(result.Oldest) {
			result.Oldest = event
		}
	}

	return result, nil
}

func (s *MemoryStore) IncrCounter(ctx context.Context, key string, windowIndex int64, window time.Duration) (int, error) {
	if s == nil {
		return 0, errors.New("store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || s.expired(entry.touched) || entry.state.WindowIndex != windowIndex {
		entry = &memoryCounter{state: core.CounterState{WindowIndex: windowIndex}}
		s.counters[key] = entry
	}

	entry.state.Count++
	entry.touched = s.now()
	return entry.state.Count, nil
}

func (s *MemoryStore) ListStates(ctx context.Context, q StateQuery) ([]StateEntry, error) {
	if s == nil {
		return nil, errors.New("store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []StateEntry{}
	for key, entry := range s.buckets {
		if s.expired(entry.touched) || !q.Matches(key) {
			continue
		}
		entries = append(entries, StateEntry{
			Kind:       StateBucket,
			Key:        key,
			Tokens:     entry.state.Tokens,
			LastRefill: entry.state.LastRefill,
		})
	}
	for key, entry := range s.windows {
		if s.expired(entry.touched) || !q.Matches(key) {
			continue
		}
		state := StateEntry{Kind: StateWindow, Key: key, Events: len(entry.events)}
		for _, event := range entry.events {
			if state.Oldest.IsZero() || event.Before(state.Oldest) {
				state.Oldest = event
			}
		}
		entries = append(entries, state)
	}
	for key, entry := range s.counters {
		if s.expired(entry.touched) || !q.Matches(key) {
			continue
		}
		entries = append(entries, StateEntry{
			Kind:        StateCounter,
			Key:         key,
			WindowIndex: entry.state.WindowIndex,
			Count:       entry.state.Count,
		})
	}

	sortStateEntries(entries)
	return entries, nil
}

func (s *MemoryStore) CountStates(ctx context.Context, q StateQuery) (int, error) {
	entries, err := s.ListStates(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *MemoryStore) ResetStates(ctx context.Context, q StateQuery) (int64, error) {
	if s == nil {
		return 0, errors.New("store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key := range s.buckets {
		if q.Matches(key) {
			delete(s.buckets, key)
			removed++
		}
	}
	for key := range s.windows {
		if q.Matches(key) {
			delete(s.windows, key)
			removed++
		}
	}
	for key := range s.counters {
		if q.Matches(key) {
			delete(s.counters, key)
			removed++
		}
	}

	return removed, nil
}

func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	if s == nil {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *MemoryStore) Driver() string {
	return driverMemory
}

// Close stops the background sweeper. The store remains usable afterwards.
func (s *MemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
	})
	return nil
}

func (s *MemoryStore) runSweeper(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.buckets {
		if s.expired(entry.touched) {
			delete(s.buckets, key)
		}
	}
	for key, entry := range s.windows {
		if s.expired(entry.touched) {
			delete(s.windows, key)
		}
	}
	for key, entry := range s.counters {
		if s.expired(entry.touched) {
			delete(s.counters, key)
		}
	}
}

// expired is called with s.mu held.
func (s *MemoryStore) expired(touched time.Time) bool {
	if s.idleTTL <= 0 {
		return false
	}
	return s.now().Sub(touched) > s.idleTTL
}

func (s *MemoryStore) now() time.Time {
	if s != nil && s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
