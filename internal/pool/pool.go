package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool executes tasks in order of their deadlines, using a fixed number of goroutines.
// Recurring tasks are added with a function that returns the next deadline; a zero
// deadline removes the task. One-shot work is submitted and runs as soon as a worker
// is free. Closing the pool cancels the context passed to running tasks and stops the
// workers once they return.
type Pool struct {
	mu     sync.Mutex
	queue  []*task
	reg    map[string]*task
	wait   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    uint64
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
}

func New(ctx context.Context, workers int) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	pool := &Pool{reg: make(map[string]*task), ctx: ctx, cancel: cancel}

	for range max(workers, 1) {
		pool.wg.Add(1)
		go pool.work()
	}

	return pool
}

// Add registers a recurring task, first run immediately.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) {
	p.enqueue(&task{name: name, fn: fn, deadline: time.Now()})
}

// Submit queues fn to run once. Submissions never replace each other, even
// with equal names.
func (p *Pool) Submit(name string, fn func(context.Context)) {
	p.mu.Lock()
	p.seq++
	name = fmt.Sprintf("%s#%d", name, p.seq)
	p.mu.Unlock()

	p.Add(name, func(ctx context.Context) time.Time {
		fn(ctx)
		return time.Time{}
	})
}

// Close stops the workers and waits for running tasks to return.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	p.wakeLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// work is the main loop for each worker goroutine.
func (p *Pool) work() {
	defer p.wg.Done()
	for {
		t := p.dequeue()
		if t == nil {
			return
		}
		p.enqueue(t.Execute(p.ctx))
	}
}

// Trigger runs the named task NOW, if it is in the queue, regardless of the
// previous deadline, by pulling it into the front of the queue. If the named
// task is not queued, it's running. In that case, we'll have it override its
// next deadline to NOW, causing an immediate re-run after the current run.
// Subsequent runs will use the deadline returned by the task's `fn`.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	// if it's not in p.queue, it must be running at the moment
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// sortAndWake is used in multiple places, but always needs to be run
// within a p.mu lock!
func (p *Pool) sortAndWake() {
	// Maintain the tasks in deadline order.
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})
	p.wakeLocked()
}

func (p *Pool) wakeLocked() {
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.deadline.IsZero() || p.ctx.Err() != nil {
		// Task requested removal from the pool.
		delete(p.reg, t.name)
		return
	}

	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue blocks until the earliest task is due. It returns nil once the pool
// has been closed.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ctx.Err() != nil {
			return nil
		}

		deadline := time.Now().Add(time.Hour * 24 * 365) // idle: far future
		if len(p.queue) > 0 {
			deadline = p.queue[0].deadline
		}

		if deadline.After(time.Now()) {
			// Not ready yet: wait for the deadline or another (potentially earlier) task.
			if p.wait == nil {
				p.wait = make(chan struct{})
			}

			wait := p.wait

			p.mu.Unlock()

			timer := time.NewTimer(time.Until(deadline))
			select {
			case <-timer.C:
			case <-wait:
			case <-p.ctx.Done():
			}
			timer.Stop()

			p.mu.Lock()
			continue
		}

		break
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) Execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}
	return t
}
