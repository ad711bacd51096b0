// Package stream carries the domain events of a run from the single producer
// (the run loop) to the single consumer (an SSE response).
//
// The producer never blocks. Events queue until a consumer attaches, bounded
// by the pending cap; once a consumer is attached the queue is bounded by the
// live cap. Events beyond a cap are dropped and a single log event noting how
// many were lost takes their place. Terminal events are never dropped. After
// the consumer detaches, remaining and future events are discarded.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"campaign-pipeline/core/models"
)

var (
	// ErrSubscribed is returned when a stream already has, or had, a consumer
	ErrSubscribed = errors.New("stream already has a consumer")
	// ErrNoStream is returned when no run stream is open for the campaign
	ErrNoStream = errors.New("no open stream for campaign")
)

type consumerState int

const (
	consumerNone consumerState = iota
	consumerAttached
	consumerGone
)

// Delivery is one event handed to the consumer
type Delivery struct {
	Seq   int // 1-based position in the delivered sequence
	Event models.Event
}

// Hub owns the open run streams, one per campaign
type Hub struct {
	mu         sync.Mutex
	streams    map[models.CampaignRunKey]*runStream
	pendingCap int
	liveCap    int
}

// NewHub creates a hub with the given queue bounds
func NewHub(pendingCap, liveCap int) *Hub {
	if pendingCap <= 0 {
		pendingCap = 1
	}
	if liveCap < pendingCap {
		liveCap = pendingCap
	}
	return &Hub{
		streams:    make(map[models.CampaignRunKey]*runStream),
		pendingCap: pendingCap,
		liveCap:    liveCap,
	}
}

// queued is either an event or a note standing in for dropped events
type queued struct {
	event   models.Event
	dropped int
}

type runStream struct {
	hub *Hub
	key models.CampaignRunKey

	mu       sync.Mutex
	queue    []queued
	events   int // queued events, excluding drop notes
	closed   bool
	consumer consumerState
	seq      int
	notify   chan struct{}
}

// Open starts the stream for a new run of key and returns its producer side.
// A stream left over from a previous run of the same campaign is replaced.
func (h *Hub) Open(key models.CampaignRunKey) *Sink {
	s := &runStream{
		hub:    h,
		key:    key,
		notify: make(chan struct{}, 1),
	}

	h.mu.Lock()
	h.streams[key] = s
	h.mu.Unlock()

	return &Sink{s: s}
}

// Subscribe attaches the single consumer of key's current stream
func (h *Hub) Subscribe(key models.CampaignRunKey) (*Source, error) {
	h.mu.Lock()
	s, ok := h.streams[key]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNoStream
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != consumerNone {
		return nil, ErrSubscribed
	}
	s.consumer = consumerAttached
	return &Source{s: s}, nil
}

// Len returns the number of streams the hub still holds
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func (h *Hub) release(s *runStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[s.key] == s {
		delete(h.streams, s.key)
	}
}

// Sink is the producer side of a run stream
type Sink struct {
	s *runStream
}

// Emit queues ev for delivery. It never blocks. A terminal event closes the sink.
func (k *Sink) Emit(ev models.Event) {
	s := k.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	terminal := ev.Terminal()
	if terminal {
		s.closed = true
	}

	switch s.consumer {
	case consumerGone:
		s.mu.Unlock()
		if terminal {
			s.hub.release(s)
		}
		return
	case consumerNone:
		s.enqueue(ev, terminal, s.hub.pendingCap)
	default:
		s.enqueue(ev, terminal, s.hub.liveCap)
	}
	s.mu.Unlock()
	s.wake()
}

// Close ends the stream without a terminal event
func (k *Sink) Close() {
	s := k.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	gone := s.consumer == consumerGone
	s.mu.Unlock()

	if gone {
		s.hub.release(s)
	}
	s.wake()
}

// enqueue must be called with s.mu held
func (s *runStream) enqueue(ev models.Event, terminal bool, limit int) {
	if terminal || s.events < limit {
		s.queue = append(s.queue, queued{event: ev})
		s.events++
		return
	}
	if n := len(s.queue); n > 0 && s.queue[n-1].event == nil {
		s.queue[n-1].dropped++
		return
	}
	s.queue = append(s.queue, queued{dropped: 1})
}

func (s *runStream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Source is the consumer side of a run stream
type Source struct {
	s *runStream
}

// Next returns the next event in emission order. It returns io.EOF once the
// stream has ended and every queued event was delivered.
func (c *Source) Next(ctx context.Context) (Delivery, error) {
	s := c.s
	for {
		s.mu.Lock()
		if s.consumer == consumerGone {
			s.mu.Unlock()
			return Delivery{}, io.EOF
		}
		if len(s.queue) > 0 {
			q := s.queue[0]
			s.queue[0] = queued{}
			s.queue = s.queue[1:]
			s.seq++
			d := Delivery{Seq: s.seq, Event: q.event}
			if q.event == nil {
				d.Event = droppedNote(q.dropped)
			} else {
				s.events--
			}
			s.mu.Unlock()
			return d, nil
		}
		if s.closed {
			s.consumer = consumerGone
			s.mu.Unlock()
			s.hub.release(s)
			return Delivery{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the consumer. The producer keeps running; its remaining
// events are discarded.
func (c *Source) Close() {
	s := c.s
	s.mu.Lock()
	if s.consumer == consumerGone {
		s.mu.Unlock()
		return
	}
	s.consumer = consumerGone
	s.queue = nil
	s.events = 0
	closed := s.closed
	s.mu.Unlock()

	if closed {
		s.hub.release(s)
	}
	s.wake()
}

func droppedNote(n int) models.Event {
	if n == 1 {
		return models.LogEvent{Message: "stream buffer full: 1 event dropped"}
	}
	return models.LogEvent{Message: fmt.Sprintf("stream buffer full: %d events dropped", n)}
}
