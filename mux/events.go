package mux

import "github.com/pkg/errors"

// ChannelOfferedEvent describes a channel the remote party offered.
type ChannelOfferedEvent struct {
	ID   uint32
	Name string

	// IsAccepted is true when a pending Accept call took the channel as
	// soon as it arrived.
	IsAccepted bool
}

// OfferListener is notified of every channel the remote party offers.
//
// Listeners run on the read loop of the stream. They must not block and
// must not wait on the stream; hand anything slow to another goroutine.
// A listener that panics fails the stream.
type OfferListener interface {
	ChannelOffered(e ChannelOfferedEvent)
}

// Subscribe registers l for channel offered notifications. A listener
// subscribed twice is notified twice.
func (s *Stream) Subscribe(l OfferListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Unsubscribe removes one registration of l.
func (s *Stream) Unsubscribe(l OfferListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, sub := range s.listeners {
		if sub == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// raiseChannelOffered notifies the listeners. A panicking listener is
// reported as an error, which fails the stream.
func (s *Stream) raiseChannelOffered(e ChannelOfferedEvent) (err error) {
	s.listenersMu.Lock()
	listeners := s.listeners
	s.listenersMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("mux: offer listener panicked: %v", r)
		}
	}()
	for _, l := range listeners {
		l.ChannelOffered(e)
	}
	return nil
}
