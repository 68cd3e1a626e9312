package mediacache

import "sync"

// Dispatcher hands a completion to the execution context that owns the
// caller's state, typically a UI thread. Completions mutate that state
// directly, so the engine never invokes them any other way.
type Dispatcher interface {
	Dispatch(fn func())
}

// Inline runs completions on whichever goroutine produced the result.
type Inline struct{}

func (Inline) Dispatch(fn func()) {
	fn()
}

// DispatchFunc adapts a plain function, such as a toolkit's "run on main
// thread" hook, to a Dispatcher.
type DispatchFunc func(fn func())

func (f DispatchFunc) Dispatch(fn func()) {
	f(fn)
}

// Loop is a serial executor: every dispatched function runs on one goroutine
// in submission order. Its queue is unbounded, so Dispatch never blocks, not
// even when called from a function already running on the loop.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewLoop starts the loop goroutine. capacity only sizes the initial queue.
func NewLoop(capacity int) *Loop {
	l := &Loop{
		queue: make([]func(), 0, capacity),
		done:  make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Dispatch queues fn. Functions dispatched after Close are dropped.
func (l *Loop) Dispatch(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Close runs what is already queued and stops the loop. It must not be
// called from the loop goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}
