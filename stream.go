package diligent

import (
	"context"
	"iter"
	"sync"
)

// eventQueue is an unbounded, condition-variable-backed FIFO used to back
// one Iterate() consumer of an EventStream. Push never blocks on a slow
// reader; the reader blocks in next() until something is queued or the
// queue is closed.
type eventQueue[E any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []E
	closed bool
}

func newEventQueue[E any]() *eventQueue[E] {
	q := &eventQueue[E]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue[E]) push(e E) {
	q.mu.Lock()
	q.buf = append(q.buf, e)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue[E]) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue[E]) next() (E, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) > 0 {
		e := q.buf[0]
		q.buf = q.buf[1:]
		return e, true
	}
	var zero E
	return zero, false
}

// EventStream is a typed asynchronous channel parametrized by an event
// type E and a terminal-result type R. It is simultaneously a lazy
// sequence (Iterate), a multi-observer broadcast (Subscribe), and a
// terminal-result future (Result). isComplete and extract decide which
// pushed event, if any, resolves the terminal future.
type EventStream[E any, R any] struct {
	mu         sync.Mutex
	once       sync.Once
	isComplete func(E) bool
	extract    func(E) (R, error)

	history []E
	subs    []func(E)
	waiters []*eventQueue[E]

	done   bool
	doneCh chan struct{}
	result R
	err    error
}

// NewEventStream constructs a stream. isComplete reports whether a pushed
// event is terminal; extract derives the terminal result from that event.
func NewEventStream[E any, R any](isComplete func(E) bool, extract func(E) (R, error)) *EventStream[E, R] {
	return &EventStream[E, R]{
		isComplete: isComplete,
		extract:    extract,
		doneCh:     make(chan struct{}),
	}
}

// Push enqueues e for every consumer. If isComplete(e), the stream is
// marked done and the terminal future resolves with extract(e). Calls
// after the stream is done are ignored. A panic from extract fails the
// stream with that error but the event is still delivered to consumers
// already waiting on it.
func (s *EventStream[E, R]) Push(e E) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, e)
	subs := append([]func(E){}, s.subs...)
	waiters := append([]*eventQueue[E]{}, s.waiters...)

	complete := s.isComplete != nil && s.isComplete(e)
	var (
		result   R
		extractd bool
		failed   error
	)
	if complete {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						failed = err
					} else {
						failed = &FatalError{Message: "panic in EventStream.extract"}
					}
				}
			}()
			result, failed = s.extract(e)
			extractd = true
		}()
	}
	s.mu.Unlock()

	for _, fn := range subs {
		if fn != nil {
			fn(e)
		}
	}
	for _, w := range waiters {
		w.push(e)
	}

	if complete {
		if extractd && failed == nil {
			s.resolve(result, nil)
		} else {
			s.resolve(result, failed)
		}
	}
}

// End forces completion with an explicit result without emitting a
// terminal event. Idempotent with Push/Fail: only the first call wins.
func (s *EventStream[E, R]) End(r R) {
	s.resolve(r, nil)
}

// Fail rejects the terminal future. No further events are delivered.
func (s *EventStream[E, R]) Fail(err error) {
	var zero R
	s.resolve(zero, err)
}

// resolve performs the exactly-once terminal transition: mark done,
// close every waiter queue, store the result/error, and close doneCh.
func (s *EventStream[E, R]) resolve(r R, err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.result = r
		s.err = err
		waiters := append([]*eventQueue[E]{}, s.waiters...)
		s.mu.Unlock()

		for _, w := range waiters {
			w.close()
		}
		close(s.doneCh)
	})
}

// Subscribe registers fn for synchronous fan-out: every Push before done
// invokes fn(e) exactly once, in push order. Subscribers registered after
// an event was pushed do not see that event (past-agnostic). Returns an
// unsubscribe function.
func (s *EventStream[E, R]) Subscribe(fn func(E)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return func() {}
	}
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

// Iterate returns a lazy sequence of events in push order. A new Iterate
// call first replays every event already pushed (so an iterator starting
// after termination but before draining still observes queued events),
// then forwards live pushes until the stream is done.
func (s *EventStream[E, R]) Iterate() iter.Seq[E] {
	return func(yield func(E) bool) {
		q := s.subscribeQueue()
		for {
			e, ok := q.next()
			if !ok {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

func (s *EventStream[E, R]) subscribeQueue() *eventQueue[E] {
	q := newEventQueue[E]()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history {
		q.buf = append(q.buf, e)
	}
	if s.done {
		q.closed = true
	} else {
		s.waiters = append(s.waiters, q)
	}
	return q
}

// Done returns a channel closed once the terminal future has resolved
// (successfully or with an error).
func (s *EventStream[E, R]) Done() <-chan struct{} { return s.doneCh }

// Result blocks until the terminal future resolves and returns its value
// or error.
func (s *EventStream[E, R]) Result() (R, error) {
	<-s.doneCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// ResultContext is Result but also returns early with ctx.Err() if ctx is
// cancelled first.
func (s *EventStream[E, R]) ResultContext(ctx context.Context) (R, error) {
	select {
	case <-s.doneCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
