// Package stream fans out live gate scan events to connected dashboards.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"vecino.app/internal/accesscode"
)

const bufferSize = 16

type subscriber struct {
	orgID string
	ch    chan accesscode.ScanEvent
}

// Stream fan-outs scan events to the subscribers of the event's organization.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

var _ accesscode.ScanPublisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one organization. The channel is
// closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, organizationID string) <-chan accesscode.ScanEvent {
	ch := make(chan accesscode.ScanEvent, bufferSize)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{orgID: organizationID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// PublishScan never blocks: a slow subscriber misses events.
func (s *Stream) PublishScan(evt accesscode.ScanEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.orgID != evt.OrganizationID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts events discarded for slow subscribers.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
