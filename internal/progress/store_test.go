package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(ttl)
	s.now = clock.Now
	return s, clock
}

func TestStore_SetGet(t *testing.T) {
	s, clock := newTestStore(time.Minute)

	s.Set("task-1", Snapshot{DownloadedBytes: 512, TotalBytes: 1024, Percent: 50})

	snap, ok := s.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, "task-1", snap.TaskID)
	assert.Equal(t, int64(512), snap.DownloadedBytes)
	assert.Equal(t, clock.Now(), snap.UpdatedAt)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_TTL(t *testing.T) {
	s, clock := newTestStore(time.Minute)

	s.Set("old", Snapshot{Percent: 10})
	clock.Advance(45 * time.Second)
	s.Set("new", Snapshot{Percent: 20})
	clock.Advance(30 * time.Second)

	_, ok := s.Get("old")
	assert.False(t, ok, "expired entry should not be returned")
	_, ok = s.Get("new")
	assert.True(t, ok)

	assert.Len(t, s.List(), 1)
	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 1, s.Len())
}

func TestStore_ListOrdered(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	s.Set("c", Snapshot{})
	s.Set("a", Snapshot{})
	s.Set("b", Snapshot{})

	var ids []string
	for _, snap := range s.List() {
		ids = append(ids, snap.TaskID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(0)
	s.Set("a", Snapshot{})
	s.Delete("a")
	s.Delete("a")
	assert.Equal(t, 0, s.Len())
}

func TestStore_Concurrent(t *testing.T) {
	s := NewStore(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set("shared", Snapshot{DownloadedBytes: int64(n*100 + j)})
				s.Get("shared")
				s.List()
			}
		}(i)
	}
	wg.Wait()

	_, ok := s.Get("shared")
	assert.True(t, ok)
}
