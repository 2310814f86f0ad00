package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/tabsleep/store"
)

// DefaultDebounce is the rolling window that coalesces persistence writes.
const DefaultDebounce = time.Second

// Record is the activity metadata kept for one handle.
type Record struct {
	LastActivityAt  time.Time     `json:"lastActivityAt"`
	CreatedAt       time.Time     `json:"createdAt"`
	ActivationCount int           `json:"activationCount"`
	TotalActiveTime time.Duration `json:"totalActiveTime"` // persisted in ms
	LastSuspendAt   *time.Time    `json:"lastSuspendAt,omitempty"`
	SuspendCount    int           `json:"suspendCount"`
}

// MarshalJSON encodes TotalActiveTime as whole milliseconds.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		TotalActiveTime int64 `json:"totalActiveTime"`
	}{plain(r), r.TotalActiveTime.Milliseconds()})
}

// UnmarshalJSON decodes a record whose TotalActiveTime is in milliseconds.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	aux := struct {
		*plain
		TotalActiveTime int64 `json:"totalActiveTime"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.TotalActiveTime = time.Duration(aux.TotalActiveTime) * time.Millisecond
	return nil
}

// updatedAt is the most recent mutation time recorded in r.
func (r *Record) updatedAt() time.Time {
	t := r.LastActivityAt
	if r.LastSuspendAt != nil && r.LastSuspendAt.After(t) {
		t = *r.LastSuspendAt
	}
	return t
}

// Store tracks per-handle activity in memory and persists it to a
// store.Store in the background. The in-memory map is authoritative; the
// persisted copy is a recovery snapshot.
type Store struct {
	backend  store.Store
	debounce time.Duration
	now      func() time.Time

	// persistMu orders backend writes so an older snapshot never lands
	// after a newer one.
	persistMu sync.Mutex

	mu      sync.Mutex
	records map[string]*Record
	dirty   map[string]struct{}
	timer   *time.Timer
	closed  bool
}

// New creates an activity Store persisting to backend. debounce <= 0 uses
// DefaultDebounce.
func New(backend store.Store, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Store{
		backend:  backend,
		debounce: debounce,
		now:      time.Now,
		records:  make(map[string]*Record),
		dirty:    make(map[string]struct{}),
	}
}

// RecordActivity registers an activation of handle id.
func (s *Store) RecordActivity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.records[id]
	if !ok {
		r = &Record{CreatedAt: now, LastActivityAt: now}
		s.records[id] = r
	}
	if gap := now.Sub(r.LastActivityAt); gap > 0 {
		r.TotalActiveTime += gap
	}
	r.LastActivityAt = now
	r.ActivationCount++
	s.markDirtyLocked(id)
}

// Touch refreshes LastActivityAt for a handle that is in use, without
// counting an activation. The elapsed time is added to TotalActiveTime.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.records[id]
	if !ok {
		s.records[id] = &Record{CreatedAt: now, LastActivityAt: now}
		s.markDirtyLocked(id)
		return
	}
	if gap := now.Sub(r.LastActivityAt); gap > 0 {
		r.TotalActiveTime += gap
	}
	r.LastActivityAt = now
	s.markDirtyLocked(id)
}

// Observe creates a record for id if none exists, without counting an
// activation. It reports whether a record was created.
func (s *Store) Observe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return false
	}
	now := s.now()
	s.records[id] = &Record{CreatedAt: now, LastActivityAt: now}
	s.markDirtyLocked(id)
	return true
}

// RecordSuspend registers a successful suspension of handle id.
func (s *Store) RecordSuspend(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.records[id]
	if !ok {
		r = &Record{CreatedAt: now, LastActivityAt: now}
		s.records[id] = r
	}
	r.LastSuspendAt = &now
	r.SuspendCount++
	s.markDirtyLocked(id)
}

// Remove forgets handle id. Removing an unknown id is a no-op. A pending
// persist for id resolves to a store removal.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return
	}
	delete(s.records, id)
	s.markDirtyLocked(id)
}

// Retain removes every record whose id is not in live. Handle ids can be
// reused by the host, so records for vanished handles must not linger.
func (s *Store) Retain(live map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.records {
		if _, ok := live[id]; !ok {
			delete(s.records, id)
			s.markDirtyLocked(id)
			removed++
		}
	}
	return removed
}

// PurgeStale removes records created more than maxAge ago.
func (s *Store) PurgeStale(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			s.markDirtyLocked(id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("activity: purged stale records", "count", removed, "maxAge", maxAge)
	}
	return removed
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of tracked handles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Load restores persisted records. A persisted record never replaces one that
// was updated more recently in memory.
func (s *Store) Load(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, store.KeyActivityPrefix)
	if err != nil {
		return 0, fmt.Errorf("activity: list: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	blobs, err := s.backend.Get(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("activity: get: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for key, blob := range blobs {
		id := strings.TrimPrefix(key, store.KeyActivityPrefix)
		var r Record
		if err := json.Unmarshal(blob, &r); err != nil {
			slog.Warn("activity: skipping corrupt record", "handle", id, "error", err)
			continue
		}
		if cur, ok := s.records[id]; ok && !r.updatedAt().After(cur.updatedAt()) {
			continue
		}
		rec := r
		s.records[id] = &rec
		loaded++
	}
	return loaded, nil
}

// Flush persists every pending change immediately.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.persist(ctx)
}

// Close flushes pending changes and stops background persistence.
func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// markDirtyLocked queues id for persistence and restarts the debounce
// window. Caller must hold s.mu.
func (s *Store) markDirtyLocked(id string) {
	s.dirty[id] = struct{}{}
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.fire)
		return
	}
	s.timer.Reset(s.debounce)
}

func (s *Store) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persist(ctx); err != nil {
		slog.Warn("activity: debounced persist failed", "error", err)
	}
}

// persist writes the current in-memory state of every dirty id: present
// records are set, absent ones removed.
func (s *Store) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	sets := make(map[string][]byte, len(s.dirty))
	var removes []string
	for id := range s.dirty {
		key := store.KeyActivityPrefix + id
		r, ok := s.records[id]
		if !ok {
			removes = append(removes, key)
			continue
		}
		blob, err := json.Marshal(r)
		if err != nil {
			continue
		}
		sets[key] = blob
	}
	pending := s.dirty
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	err := s.backend.Set(ctx, sets)
	if err == nil && len(removes) > 0 {
		err = s.backend.Remove(ctx, removes...)
	}
	if err != nil {
		// Requeue and re-arm so the retry does not wait for a new event.
		s.mu.Lock()
		for id := range pending {
			s.dirty[id] = struct{}{}
		}
		if !s.closed && s.timer == nil {
			s.timer = time.AfterFunc(s.debounce, s.fire)
		}
		s.mu.Unlock()
		return fmt.Errorf("activity: persist: %w", err)
	}
	return nil
}
