// Package changestream implements the Policy Store's change-stream
// fan-out: each subscriber gets its own buffered channel and cursor, so a
// slow subscriber never blocks the publisher or another subscriber.
package changestream

import (
	"context"
	"sync"

	"github.com/toolgate/gateway/internal/port/outbound"
)

const subscriberBuffer = 16

// Stream implements both outbound.ChangePublisher and
// outbound.ChangeSubscriber. A single Stream instance is owned by the
// Policy Store and shared read-only by every Bundle Builder subscription.
type Stream struct {
	mu          sync.Mutex
	subscribers map[int]chan outbound.ChangeEvent
	nextID      int
}

func New() *Stream {
	return &Stream{subscribers: make(map[int]chan outbound.ChangeEvent)}
}

// Publish fans event out to every live subscriber. A subscriber whose
// buffer is full drops the event rather than blocking the publisher --
// the bundle builder's reconnect/full-resync path (fetching getBundleData
// fresh on each signal) makes a dropped notification safe to miss, since
// the next one still triggers a correct rebuild.
func (s *Stream) Publish(event outbound.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a new channel that receives every Publish call made
// after this call returns. The channel is closed and the subscription torn
// down when ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context) (<-chan outbound.ChangeEvent, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan outbound.ChangeEvent, subscriberBuffer)
	s.subscribers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch, nil
}
