package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// EventType names a session event on the wire.
type EventType string

const (
	EventStarting              EventType = "transcription_starting"
	EventModelLoadingStarted   EventType = "model_loading_started"
	EventModelLoadingCompleted EventType = "model_loading_completed"
	EventStarted               EventType = "transcription_started"
	EventSegment               EventType = "transcript_segment"
	EventStopped               EventType = "transcription_stopped"
	EventFailed                EventType = "transcription_failed"
)

// Terminal reports whether no event can follow t.
func (t EventType) Terminal() bool {
	return t == EventStopped || t == EventFailed
}

// Segment is the wire form of a transcript.
type Segment struct {
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Speaker    string  `json:"speaker,omitempty"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// NewSegment converts a recognizer transcript.
func NewSegment(t stt.Transcript) *Segment {
	return &Segment{
		StartMS:    t.Start.Milliseconds(),
		EndMS:      t.End.Milliseconds(),
		Speaker:    t.SpeakerID,
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Confidence: t.Confidence,
	}
}

// EventError describes why a session failed.
type EventError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one entry in a session's event stream.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Segment   *Segment    `json:"segment,omitempty"`
	Error     *EventError `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Stream fans a session's events out to subscribers. It retains the most
// recent events so that a subscriber joining late, such as a reconnecting
// client, first receives that history.
//
// A subscriber whose buffer overflows is disconnected: its channel is closed
// and it must subscribe again. After a terminal event every subscriber
// channel is closed.
type Stream struct {
	retain int
	buffer int

	mu     sync.Mutex
	log    []Event
	subs   map[chan Event]struct{}
	closed bool
	done   chan struct{}
}

func newStream(retain, buffer int) *Stream {
	return &Stream{
		retain: retain,
		buffer: buffer,
		subs:   make(map[chan Event]struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe returns a channel that first replays the retained events and
// then delivers live ones. The channel is closed when ctx is done, when the
// subscriber falls behind, or after the terminal event.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.buffer+len(s.log))
	for _, e := range s.log {
		ch <- e
	}
	if s.closed {
		close(ch)
		return ch
	}
	s.subs[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(ch)
		case <-s.done:
		}
	}()
	return ch
}

// Done is closed after the terminal event.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Events returns a copy of the retained events.
func (s *Stream) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.log...)
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// publish appends e and delivers it. Events published after the terminal
// event are discarded; publish reports whether e was accepted.
func (s *Stream) publish(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.deliver(e)
	if e.Type.Terminal() {
		s.closed = true
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
		close(s.done)
	}
	return true
}

// deliver records e and sends it to every subscriber. Caller holds s.mu.
func (s *Stream) deliver(e Event) {
	s.log = append(s.log, e)
	if s.retain > 0 && len(s.log) > s.retain {
		s.log = append(s.log[:0:0], s.log[len(s.log)-s.retain:]...)
	}
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber.
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Stream) unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}
