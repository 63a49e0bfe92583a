package queue

import (
	"container/heap"

	"github.com/cesargomez89/capsulecache/internal/domain"
)

// taskHeap orders tasks by priority descending, then created_at ascending.
type taskHeap []*domain.DownloadTask

var _ heap.Interface = (*taskHeap)(nil)

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].ID < h[j].ID
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*domain.DownloadTask))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// remove drops the task with the given id and reports whether it was queued.
func (h *taskHeap) remove(id string) (*domain.DownloadTask, bool) {
	for i, t := range *h {
		if t.ID == id {
			heap.Remove(h, i)
			return t, true
		}
	}
	return nil, false
}
