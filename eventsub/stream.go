package eventsub

import (
	"context"
	"sync"
)

// stream is the ordered queue behind a Subscription. A single producer (the
// client's dispatch path) pushes notifications and eventually closes or
// fails it; a single consumer drains Events. Pushes never block: the buffer
// is unbounded and a pump goroutine feeds the consumer channel in FIFO
// order. Buffered notifications are always delivered before the consumer can
// observe termination.
type stream struct {
	mu   sync.Mutex
	buf  []Notification
	err  error
	done bool

	wake chan struct{}
	out  chan Notification
}

func newStream() *stream {
	s := &stream{
		wake: make(chan struct{}, 1),
		out:  make(chan Notification),
	}
	go s.pump()
	return s
}

func (s *stream) push(n Notification) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, n)
	s.mu.Unlock()
	s.signal()
}

// close ends the stream normally. No-op after termination.
func (s *stream) close() { s.finish(nil) }

// fail ends the stream with err. No-op after termination.
func (s *stream) fail(err error) { s.finish(err) }

func (s *stream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.signal()
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) pump() {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			next := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			s.out <- next
			continue
		}
		if s.done {
			s.mu.Unlock()
			close(s.out)
			return
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// unsubscriber removes a subscription by its current id.
type unsubscriber interface {
	Unsubscribe(ctx context.Context, id string) error
}

// Subscription is a live EventSub subscription handle. Notifications arrive
// on Events in wire order; once the channel closes, Err reports why the
// stream ended.
type Subscription struct {
	owner  unsubscriber
	stream *stream

	mu sync.Mutex
	id string
}

// ID returns the current subscription id. The id changes when the owning
// client re-creates the subscription on a new session.
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Subscription) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Events returns the notification channel. Drain it until it closes, then
// check Err for the terminal error.
func (s *Subscription) Events() <-chan Notification { return s.stream.out }

// Err reports why the stream ended: nil after a normal close, otherwise the
// terminal error. Meaningful once Events is closed.
func (s *Subscription) Err() error { return s.stream.terminalErr() }

// Each drains the stream, invoking fn per notification, until the stream
// ends or fn returns an error.
func (s *Subscription) Each(fn func(Notification) error) error {
	for n := range s.Events() {
		if err := fn(n); err != nil {
			return err
		}
	}
	return s.Err()
}

// Unsubscribe tears the subscription down remotely and closes the stream.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.owner.Unsubscribe(ctx, s.ID())
}
