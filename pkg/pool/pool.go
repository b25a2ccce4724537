// Package pool implements Pool, the bounded-concurrency execution
// engine: a slot gate limiting how many children run at once, a
// registry of live supervisors, and a lifecycle event stream fanning
// out to downstream consumers.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/metrics"
	"github.com/jsdrews/procpoold/pkg/proc"
	"github.com/jsdrews/procpoold/pkg/queue"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

// Event is one lifecycle artifact fanned out to the event consumer.
type Event struct {
	Status    types.Status
	ParentURL string
	// Task is set for every event; ToDelete mirrors it only on the
	// terminal event, signaling the consumer that the reference may be
	// released after logging.
	Task     *task.Task
	ToDelete *task.Task
}

// NextTaskFunc returns the next task to run, or nil if none is ready.
// The default implementation (pkg/dispatcher) queries the store for
// the queued task with the smallest priority value and transitions it
// to fetched.
type NextTaskFunc func(ctx context.Context) (*task.Task, error)

// StartupFunc returns every task recovered as in-progress at daemon
// start, to be re-launched before steady-state dispatch begins.
type StartupFunc func(ctx context.Context) ([]*task.Task, error)

// Pool bounds concurrent child execution to Size, tracks the running
// set, and fans out lifecycle events.
type Pool struct {
	Size int

	mu      sync.RWMutex
	running map[string]*proc.Proc

	slotGate    chan struct{}
	eventStream chan Event

	pollInterval time.Duration

	wg sync.WaitGroup
}

// New constructs a Pool with size concurrent slots, pre-filling the
// slot gate with size tokens.
func New(size int) *Pool {
	gate := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		gate <- struct{}{}
	}

	return &Pool{
		Size:         size,
		running:      make(map[string]*proc.Proc),
		slotGate:     gate,
		eventStream:  make(chan Event, 256),
		pollInterval: 10 * time.Second,
	}
}

// Events exposes the pool's lifecycle event stream for the event
// consumer to drain.
func (p *Pool) Events() <-chan Event {
	return p.eventStream
}

// Running returns the Proc registered for id, or nil.
func (p *Pool) Running(id string) *proc.Proc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running[id]
}

// RunningCount reports how many supervisors are currently active.
func (p *Pool) RunningCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.running)
}

// Launch registers t's supervisor, emits the processing event, runs it
// to completion, emits the terminal event, releases its slot token, and
// unregisters it. It does not itself acquire a slot token — callers
// (the dispatcher) acquire one before calling Launch, and Launch
// releases it on completion.
func (p *Pool) Launch(ctx context.Context, t *task.Task) {
	supervisor := proc.New(t)

	p.mu.Lock()
	p.running[t.ID] = supervisor
	p.mu.Unlock()
	metrics.SlotsInUse.Inc()

	p.eventStream <- Event{Status: types.StatusProcessing, ParentURL: t.ParentURL, Task: t}

	timer := metrics.NewTimer()
	if err := supervisor.Run(ctx); err != nil {
		log.WithTaskID(t.ID).Error().Err(err).Msg("task supervisor exited with error")
	}
	timer.ObserveDuration(metrics.SchedulingLatency)

	metrics.TaskOutcomesTotal.WithLabelValues(string(t.Status)).Inc()

	p.eventStream <- Event{Status: t.Status, ParentURL: t.ParentURL, Task: t, ToDelete: t}

	p.mu.Lock()
	delete(p.running, t.ID)
	p.mu.Unlock()
	metrics.SlotsInUse.Dec()

	p.slotGate <- struct{}{}
}

// Start boots the recovery phase followed by the steady-state
// dispatcher loop, both consuming slot tokens one-for-one. Recovery
// runs in the caller's goroutine (blocking until a slot token is free
// for each recovered task); the dispatcher loop then runs in its own
// goroutine and Start returns. Once ctx is canceled the loop stops
// acquiring new slots, and running children are killed via ctx
// cancellation propagating into exec.CommandContext; Wait blocks until
// the in-flight Launch calls have finished.
func (p *Pool) Start(ctx context.Context, startup StartupFunc, next NextTaskFunc) {
	recovered, err := startup(ctx)
	if err != nil {
		log.Errorf("recovery phase failed to list in-progress tasks", err)
	}
	for _, t := range recovered {
		log.WithTaskID(t.ID).Warn().Msg("re-launching task recovered from in-progress state")
		<-p.slotGate
		metrics.RecoveredTasksTotal.Inc()
		p.wg.Add(1)
		go func(t *task.Task) {
			defer p.wg.Done()
			p.Launch(ctx, t)
		}(t)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatchLoop(ctx, next)
	}()
}

// Wait blocks until every Launch goroutine started by Start has
// returned — used during graceful shutdown to implement the drain
// deadline.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) dispatchLoop(ctx context.Context, next NextTaskFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.slotGate:
		}

		t, err := p.awaitNextTask(ctx, next)
		if err != nil {
			log.Errorf("dispatcher failed to fetch next task", err)
			p.slotGate <- struct{}{}
			continue
		}
		if t == nil {
			// ctx was canceled while polling; return the token and exit.
			p.slotGate <- struct{}{}
			return
		}

		p.wg.Add(1)
		go func(t *task.Task) {
			defer p.wg.Done()
			p.Launch(ctx, t)
		}(t)
	}
}

// awaitNextTask polls next at pollInterval until it yields a task, ctx
// is canceled (returns nil, nil), or it errors.
func (p *Pool) awaitNextTask(ctx context.Context, next NextTaskFunc) (*task.Task, error) {
	for {
		t, err := next(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(p.pollInterval):
		}
	}
}

// InputStream returns a priority queue pre-seeded with tasks and starts
// a second dispatcher that consumes slot tokens and pops from it,
// serving callers that inject tasks in-process rather than via the
// store.
func (p *Pool) InputStream(ctx context.Context, tasks []*task.Task) *queue.PriorityPool {
	q := queue.NewPriorityPool()
	for _, t := range tasks {
		q.Put(t)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.slotGate:
			}

			t := q.Pop()

			p.wg.Add(1)
			go func(t *task.Task) {
				defer p.wg.Done()
				p.Launch(ctx, t)
			}(t)
		}
	}()

	return q
}
