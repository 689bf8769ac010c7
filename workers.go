package tidekv

// workers.go implements the fixed-size worker pools that run flushes and
// compactions.

import (
	"sync"
)

// workerPool runs submitted tasks on a fixed number of goroutines. The
// queue is unbounded so that submitters never block behind running work.
type workerPool struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	wg sync.WaitGroup
}

func newWorkerPool(name string, n int) *workerPool {
	p := &workerPool{name: name}
	p.cond = sync.NewCond(&p.mu)
	for range n {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit queues fn. It reports false once the pool is closed.
func (p *workerPool) Submit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
	return true
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		fn()
	}
}

// Close drains the queue and waits for the workers to exit.
func (p *workerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// taskGroup counts the queued and running background tasks of one column
// family so that structural operations can wait for quiescence.
type taskGroup struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newTaskGroup() *taskGroup {
	g := &taskGroup{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *taskGroup) add() {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
}

func (g *taskGroup) done() {
	g.mu.Lock()
	g.n--
	if g.n == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// wait blocks until no task is queued or running.
func (g *taskGroup) wait() {
	g.mu.Lock()
	for g.n > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
