package appserver

import (
	"context"
	"sync"

	"github.com/bazelment/yoloswe/codexsdk/internal/ringq"
)

// notificationStream is the client's notification stream as a chain of
// queues. Epochs feed the tail; readers consume the head. A reader moves to
// the next queue only after the head has been drained and has returned its
// closing error, so a restart never discards what the dead epoch delivered.
// With notifications continuing across restarts the chain has one queue.
type notificationStream struct {
	head *ringq.Queue[Notification]
	tail *ringq.Queue[Notification]
	next map[*ringq.Queue[Notification]]*ringq.Queue[Notification]
	// grown is closed and replaced whenever a queue is appended.
	grown chan struct{}
	mu    sync.Mutex
	// headEnded is set once a reader has seen the head's closing error.
	headEnded bool
}

func newNotificationStream(q *ringq.Queue[Notification]) *notificationStream {
	return &notificationStream{
		head:  q,
		tail:  q,
		next:  make(map[*ringq.Queue[Notification]]*ringq.Queue[Notification]),
		grown: make(chan struct{}),
	}
}

// feed returns the queue the current epoch writes to.
func (s *notificationStream) feed() *ringq.Queue[Notification] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// append makes q the new tail. Readers reach it after the old tail ends.
func (s *notificationStream) append(q *ringq.Queue[Notification]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q == s.tail {
		return
	}
	s.next[s.tail] = q
	s.tail = q
	close(s.grown)
	s.grown = make(chan struct{})
}

// pop returns the next notification, or the head queue's closing error
// once it is drained. After a *DisconnectedError the next pop waits for the
// queue that follows; a restart, a fault and Stop each append one.
func (s *notificationStream) pop(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if s.headEnded && !s.advanceLocked() {
			grown := s.grown
			s.mu.Unlock()
			select {
			case <-grown:
				continue
			case <-ctx.Done():
				return Notification{}, ctx.Err()
			}
		}
		q := s.head
		s.mu.Unlock()

		n, err := q.Pop(ctx)
		if err == nil || err == ctx.Err() {
			return n, err
		}
		if IsDisconnected(err) {
			// Only an epoch's end is followed by more; terminal errors repeat.
			s.mu.Lock()
			if s.head == q {
				s.headEnded = true
			}
			s.mu.Unlock()
		}
		return n, err
	}
}

func (s *notificationStream) advanceLocked() bool {
	nx, ok := s.next[s.head]
	if !ok {
		return false
	}
	delete(s.next, s.head)
	s.head = nx
	s.headEnded = false
	return true
}
