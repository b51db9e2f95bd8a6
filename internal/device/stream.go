package device

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var _ Stream = (*QueueStream)(nil)

type streamOp struct {
	name string
	fn   func() error
}

// QueueStream runs operations on a single goroutine in submission order.
type QueueStream struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []streamOp
	busy   bool
	closed bool
	err    error
	exited chan struct{}
}

func NewQueueStream(name string) *QueueStream {
	s := &QueueStream{
		name:   name,
		exited: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *QueueStream) Enqueue(name string, op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.queue = append(s.queue, streamOp{name: name, fn: op})
	s.cond.Broadcast()
	return nil
}

func (s *QueueStream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 || s.busy {
		s.cond.Wait()
	}
	return s.err
}

func (s *QueueStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.exited
	return nil
}

func (s *QueueStream) loop() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		poisoned := s.err != nil
		s.busy = true
		s.mu.Unlock()

		var err error
		if poisoned {
			log.Debug().Str("stream", s.name).Str("op", op.name).Msg("Skipping operation on failed stream")
		} else {
			err = s.run(op)
		}

		s.mu.Lock()
		s.busy = false
		if err != nil && s.err == nil {
			s.err = fmt.Errorf("%s: %s: %w", s.name, op.name, err)
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *QueueStream) run(op streamOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		streamOps.WithLabelValues(op.name).Inc()
		if err != nil {
			streamOpFailures.WithLabelValues(op.name).Inc()
		}
	}()
	return op.fn()
}
