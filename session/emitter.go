package session

import "sync"

// emitter delivers events to the host sink from a single goroutine, in the
// order they were pushed. Pushing never blocks on the sink.
type emitter struct {
	sink Sink

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEmitter(sink Sink) *emitter {
	e := &emitter{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) push(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			batch := e.queue
			e.queue = nil
			closed := e.closed
			e.mu.Unlock()

			for _, ev := range batch {
				if e.sink != nil {
					e.sink(ev)
				}
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

// close delivers everything already queued, then stops the goroutine.
// It must not be called from the sink.
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}
