package mux

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/progrium/mxstream/mux/frame"
)

// acceptWaiter is a pending Accept call. The read loop pops it when a
// matching offer arrives and hands over the channel it already accepted.
type acceptWaiter struct {
	window int64
	result chan acceptResult
}

type acceptResult struct {
	ch  *Channel
	err error
}

// localWindow returns the receiving window to announce for a channel.
// Without backpressure every channel uses the default window.
func (s *Stream) localWindow(opts *ChannelOptions) (int64, error) {
	size := opts.windowSize()
	switch {
	case size < 0:
		return 0, errors.Wrapf(ErrInvalidWindow, "got %d", size)
	case size == 0 || !s.BackpressureEnabled():
		return s.defaultWindow, nil
	}
	return size, nil
}

// acceptWindow is the receiving window granted when accepting an offer.
// It is never smaller than the default window.
func (s *Stream) acceptWindow(opts *ChannelOptions) (int64, error) {
	window, err := s.localWindow(opts)
	if err != nil {
		return 0, err
	}
	return max(window, s.defaultWindow), nil
}

// Offer offers a channel named name to the remote party and blocks until
// it is accepted. Canceling ctx before then withdraws the offer.
func (s *Stream) Offer(ctx context.Context, name string, opts *ChannelOptions) (*Channel, error) {
	ch, err := s.offer(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	select {
	case <-ch.accepted:
	case <-ctx.Done():
		if ch.abandon(stateCreated, ctx.Err()) {
			return nil, ctx.Err()
		}
		// the acceptance or a termination won the race
		<-ch.accepted
	}
	if ch.acceptErr != nil {
		return nil, ch.acceptErr
	}
	return ch, nil
}

// CreateChannel offers an anonymous channel and returns it without waiting
// for the remote party. The remote party can only accept it by id, which
// has to reach it out of band. Use WaitAccepted to learn the outcome;
// Write and CloseWrite wait for it on their own.
func (s *Stream) CreateChannel(opts *ChannelOptions) (*Channel, error) {
	return s.offer(context.Background(), "", opts)
}

func (s *Stream) offer(ctx context.Context, name string, opts *ChannelOptions) (*Channel, error) {
	window, err := s.localWindow(opts)
	if err != nil {
		return nil, err
	}
	payload, err := s.framer.EncodeOffer(frame.OfferParameters{Name: name, WindowSize: window})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ch, err := s.allocate(name, window)
	s.mu.Unlock()
	if err != nil {
		if err == ErrChannelIDExhausted {
			s.fail(err)
		}
		return nil, err
	}

	// Holding sendMu keeps the channel from reporting its termination
	// before we know whether the remote party has heard of it.
	ch.sendMu.Lock()
	err = s.sendFrame(ctx, frame.Frame{
		Header:  frame.Header{Code: frame.Offer, ChannelID: ch.id},
		Payload: payload,
	})
	if err == nil {
		s.mu.Lock()
		ch.announced = true
		s.mu.Unlock()
	}
	ch.sendMu.Unlock()
	if err != nil {
		ch.terminate(err)
		return nil, err
	}
	s.log.Debug("channel offer sent", zap.Uint32("channel", ch.id), zap.String("name", name))
	return ch, nil
}

// Accept accepts the oldest pending remote offer of a channel named name,
// or waits for the next one. Canceling ctx only drops the local request.
// The granted receiving window is never below the default window.
func (s *Stream) Accept(ctx context.Context, name string, opts *ChannelOptions) (*Channel, error) {
	if name == "" {
		return nil, ErrAnonymousAccept
	}
	window, err := s.acceptWindow(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.disposing.Load() {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	for queue := s.offered[name]; len(queue) > 0; queue = s.offered[name] {
		ch := queue[0]
		s.removeOffered(ch)
		// offers terminated by a race are skipped
		if ch.tryAcceptOffer(window) == nil {
			s.mu.Unlock()
			return s.completeAcceptance(ch)
		}
	}
	w := &acceptWaiter{window: window, result: make(chan acceptResult, 1)}
	s.accepting[name] = append(s.accepting[name], w)
	s.mu.Unlock()

	var r acceptResult
	select {
	case r = <-w.result:
	case <-ctx.Done():
		s.mu.Lock()
		removed := s.removeWaiter(name, w)
		s.mu.Unlock()
		if removed {
			return nil, ctx.Err()
		}
		// an offer was matched to us in the meantime
		r = <-w.result
	}
	if r.err != nil {
		return nil, r.err
	}
	return s.completeAcceptance(r.ch)
}

// AcceptChannel accepts the remote offer of the channel with the given id.
// This is the only way to accept anonymous channels.
func (s *Stream) AcceptChannel(id uint32, opts *ChannelOptions) (*Channel, error) {
	window, err := s.acceptWindow(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ch, ok := s.channels[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownChannel, "channel %d", id)
	}
	if ch.offeredLocally {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrNotAcceptable, "channel %d was offered locally", id)
	}
	err = ch.tryAcceptOffer(window)
	if err == nil {
		s.removeOffered(ch)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.completeAcceptance(ch)
}

// RejectChannel declines the remote offer of the channel with the given id.
func (s *Stream) RejectChannel(id uint32) error {
	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownChannel, "channel %d", id)
	}
	if ch.offeredLocally {
		return errors.Wrapf(ErrNotAcceptable, "channel %d was offered locally", id)
	}
	if ch.abandon(stateOffered, ErrOfferRejected) {
		s.log.Debug("channel offer rejected", zap.Uint32("channel", id))
		return nil
	}
	if ch.isTerminated() {
		return errors.Wrapf(ErrUnknownChannel, "channel %d", id)
	}
	return ErrAlreadyAccepted
}

// completeAcceptance announces a channel that was moved to the accepted
// state and releases everyone waiting for the acceptance.
func (s *Stream) completeAcceptance(ch *Channel) (*Channel, error) {
	payload, err := s.framer.EncodeAcceptance(frame.AcceptanceParameters{WindowSize: ch.LocalWindowSize()})
	if err != nil {
		ch.terminate(err)
		return nil, err
	}
	if err := ch.send(frame.OfferAccepted, payload); err != nil {
		if err == ErrChannelTerminated {
			err = ErrChannelUnavailable
		}
		return nil, err
	}
	ch.resolveAcceptance(nil)
	s.log.Debug("channel accepted",
		zap.Uint32("channel", ch.id),
		zap.String("name", ch.name),
		zap.Int64("window", ch.LocalWindowSize()))
	return ch, nil
}

// removeWaiter drops w from the accept queue of name and reports whether
// it was still queued. The caller holds s.mu.
func (s *Stream) removeWaiter(name string, w *acceptWaiter) bool {
	queue := s.accepting[name]
	for i, qw := range queue {
		if qw != w {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(s.accepting, name)
		} else {
			s.accepting[name] = queue
		}
		return true
	}
	return false
}
