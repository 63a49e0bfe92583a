// Package progress keeps the latest transfer sample of each running task.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/cesargomez89/capsulecache/internal/constants"
)

// Snapshot is the live state of one task.
type Snapshot struct {
	UpdatedAt       time.Time `json:"updated_at"`
	ETASeconds      *int64    `json:"eta_seconds,omitempty"`
	TaskID          string    `json:"task_id"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	Percent         float64   `json:"percent"`
	Speed           float64   `json:"speed_bytes_per_sec"`
}

// Store is a concurrency-safe map of snapshots. Entries not refreshed
// within the TTL are dropped.
type Store struct {
	entries map[string]Snapshot
	now     func() time.Time
	ttl     time.Duration
	mu      sync.RWMutex
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = constants.DefaultProgressTTL
	}
	return &Store{
		entries: make(map[string]Snapshot),
		now:     time.Now,
		ttl:     ttl,
	}
}

// Set records snap under taskID, stamping UpdatedAt.
func (s *Store) Set(taskID string, snap Snapshot) {
	snap.TaskID = taskID
	snap.UpdatedAt = s.now()

	s.mu.Lock()
	s.entries[taskID] = snap
	s.mu.Unlock()
}

// Get returns the snapshot for taskID if one is present and fresh.
func (s *Store) Get(taskID string) (Snapshot, bool) {
	s.mu.RLock()
	snap, ok := s.entries[taskID]
	s.mu.RUnlock()

	if !ok || s.expired(snap) {
		return Snapshot{}, false
	}
	return snap, true
}

func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	delete(s.entries, taskID)
	s.mu.Unlock()
}

// List returns every fresh snapshot ordered by task ID.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.entries))
	for _, snap := range s.entries {
		if !s.expired(snap) {
			out = append(out, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Prune drops expired snapshots and returns how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, snap := range s.entries {
		if s.expired(snap) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len counts tracked snapshots, including expired ones not yet pruned.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) expired(snap Snapshot) bool {
	return s.now().Sub(snap.UpdatedAt) > s.ttl
}
