// Package queue implements PriorityPool, the in-memory priority queue
// the dispatcher and the in-process input stream pop tasks from.
package queue

import (
	"container/heap"
	"sync"

	"github.com/jsdrews/procpoold/pkg/task"
)

// PriorityPool is a min-heap of tasks ordered by task.Less (inverted
// priority: lower numeric priority pops first), with FIFO tie-break and
// an id-indexed lookup map for O(1) Get. Put/Pop/Get are safe for
// concurrent use; Pop blocks while the queue is empty.
type PriorityPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *itemHeap
	lookup map[string]*task.Task
}

// NewPriorityPool returns an empty PriorityPool.
func NewPriorityPool() *PriorityPool {
	p := &PriorityPool{
		items:  &itemHeap{},
		lookup: make(map[string]*task.Task),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Put inserts t into the heap and the lookup map under t.ID, and wakes
// one waiting Pop call.
func (p *PriorityPool) Put(t *task.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	heap.Push(p.items, t)
	p.lookup[t.ID] = t
	p.cond.Signal()
}

// Pop blocks until the queue is non-empty, then removes and returns the
// highest-priority (lowest numeric) task. The lookup entry is left in
// place; it is advisory for Get and is not cleared until the caller
// removes it (there is no terminal-commit hook in this package — the
// supervisor that dequeues a task owns its lifecycle from here on).
func (p *PriorityPool) Pop() *task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.items.Len() == 0 {
		p.cond.Wait()
	}

	t := heap.Pop(p.items).(*task.Task)
	return t
}

// Get returns the task currently known under id, or nil.
func (p *PriorityPool) Get(id string) *task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup[id]
}

// Len reports the number of tasks currently queued.
func (p *PriorityPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Len()
}

// itemHeap implements heap.Interface over *task.Task, breaking ties in
// task.Less by insertion sequence so equal-priority tasks pop FIFO.
type itemHeap struct {
	tasks []*task.Task
	seq   []uint64
	next  uint64
}

func (h *itemHeap) Len() int { return len(h.tasks) }

func (h *itemHeap) Less(i, j int) bool {
	if h.tasks[i].Priority != h.tasks[j].Priority {
		return task.Less(h.tasks[i], h.tasks[j])
	}
	return h.seq[i] < h.seq[j]
}

func (h *itemHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
	h.seq[i], h.seq[j] = h.seq[j], h.seq[i]
}

func (h *itemHeap) Push(x any) {
	h.tasks = append(h.tasks, x.(*task.Task))
	h.seq = append(h.seq, h.next)
	h.next++
}

func (h *itemHeap) Pop() any {
	n := len(h.tasks)
	t := h.tasks[n-1]
	h.tasks = h.tasks[:n-1]
	h.seq = h.seq[:n-1]
	return t
}
