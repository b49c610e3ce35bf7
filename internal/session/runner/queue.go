package runner

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrSessionQueued is returned when the session is already waiting.
	ErrSessionQueued = errors.New("session already queued")
)

// Request is one pending session run.
type Request struct {
	SessionID string
	// Higher priority runs first; equal priorities run in arrival order.
	Priority int
	// Reason tags why the run was requested (user, recovery, restart).
	Reason   string
	Start    StartParams
	QueuedAt time.Time

	index int
}

// requestHeap implements heap.Interface.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Request)
	item.index = n
	*h = append(*h, item)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Queue is a bounded priority queue of run requests with per-session dedup.
type Queue struct {
	mu      sync.RWMutex
	heap    requestHeap
	pending map[string]*Request
	maxSize int
}

// NewQueue creates a queue. maxSize <= 0 means unbounded.
func NewQueue(maxSize int) *Queue {
	q := &Queue{
		heap:    make(requestHeap, 0),
		pending: make(map[string]*Request),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a request. A session already in the queue is rejected.
func (q *Queue) Enqueue(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[req.SessionID]; exists {
		return ErrSessionQueued
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}
	heap.Push(&q.heap, req)
	q.pending[req.SessionID] = req
	return nil
}

// Dequeue removes and returns the highest priority request, or nil.
func (q *Queue) Dequeue() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	req := heap.Pop(&q.heap).(*Request)
	delete(q.pending, req.SessionID)
	return req
}

// Remove drops a queued session.
func (q *Queue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[sessionID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, req.index)
	delete(q.pending, sessionID)
	return true
}

// Contains reports whether the session is waiting.
func (q *Queue) Contains(sessionID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.pending[sessionID]
	return exists
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// List returns the waiting requests (for status endpoints).
func (q *Queue) List() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Request, len(q.heap))
	copy(out, q.heap)
	return out
}
