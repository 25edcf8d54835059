package comm

import "sync/atomic"

// reactor is one fixed worker thread: a single goroutine draining a job
// queue serially. Socket reads and writes run on per-connection
// goroutines; every connection assigned to this reactor submits its
// DispatchHandler callbacks as jobs here, so those callbacks for a given
// connection are always invoked from the same goroutine and never run
// concurrently with each other.
type reactor struct {
	jobs chan func()
	done chan struct{}
}

func newReactor(queueDepth int) *reactor {
	r := &reactor{
		jobs: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reactor) run() {
	for {
		select {
		case job, ok := <-r.jobs:
			if !ok {
				return
			}
			job()
		case <-r.done:
			// Drain whatever is already queued before exiting so a
			// handler mid-dispatch at shutdown still completes.
			for {
				select {
				case job := <-r.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues job to run on this reactor's goroutine. It never blocks
// the caller waiting on job itself, only on queue space.
func (r *reactor) submit(job func()) {
	select {
	case r.jobs <- job:
	case <-r.done:
	}
}

func (r *reactor) stop() { close(r.done) }

// reactorPool is the fixed-size set of worker reactors established at
// startup. Connections are assigned to a reactor round-robin, once, at
// creation, and the assignment is stable for the life of the connection.
type reactorPool struct {
	reactors []*reactor
	timer    *timerReactor
	next     uint64
}

func newReactorPool(n int, queueDepth int, logger Logger) *reactorPool {
	if n <= 0 {
		n = 1
	}
	p := &reactorPool{
		reactors: make([]*reactor, n),
		timer:    newTimerReactor(logger),
	}
	for i := range p.reactors {
		p.reactors[i] = newReactor(queueDepth)
	}
	return p
}

// assign round-robins across the fixed reactor set.
func (p *reactorPool) assign() *reactor {
	idx := atomic.AddUint64(&p.next, 1) % uint64(len(p.reactors))
	return p.reactors[idx]
}

func (p *reactorPool) stop() {
	for _, r := range p.reactors {
		r.stop()
	}
	p.timer.stop()
}
