package mux

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/progrium/mxstream/mux/frame"
	"github.com/progrium/mxstream/transport"
)

type channelState uint8

const (
	// stateOffered is a remote offer waiting for local acceptance.
	stateOffered channelState = iota
	// stateCreated is a local offer waiting for remote acceptance.
	stateCreated
	stateAccepted
	stateTerminated
)

func (s channelState) String() string {
	switch s {
	case stateOffered:
		return "offered"
	case stateCreated:
		return "created"
	case stateAccepted:
		return "accepted"
	default:
		return "terminated"
	}
}

// owner is the view a channel has of the stream multiplexing it. The
// stream owns the channel through its registry; the channel only calls
// back into it to emit frames.
type owner interface {
	sendChannelFrame(ch *Channel, code frame.Code, payload []byte) error
	contentProcessed(ch *Channel, n int64)
	channelDisposed(ch *Channel)
	isDisposing() bool
}

var _ transport.Channel = (*Channel)(nil)

// Channel is one logical duplex stream multiplexed over a Stream. Once
// accepted it behaves like any io.ReadWriteCloser, including being the
// transport of another Stream.
type Channel struct {
	id             uint32
	name           string
	offeredLocally bool
	backpressure   bool

	owner owner
	log   *zap.Logger

	mu           sync.Mutex
	state        channelState
	localWindow  int64
	remoteWindow int64
	// received counts bytes received and not yet acknowledged, consumed
	// the part of those the application has read.
	received int64
	consumed int64
	sentEOF  bool
	gotEOF   bool

	// announced is set once the remote party knows the channel id. It is
	// guarded by the stream's lock.
	announced bool

	acceptOnce sync.Once
	accepted   chan struct{}
	acceptErr  error
	done       chan struct{}

	pending   *buffer
	remoteWin *window

	// writeMu serializes Write and CloseWrite calls. sendMu orders single
	// frames of this channel against its ChannelTerminated frame so that
	// nothing follows it on the wire.
	writeMu sync.Mutex
	sendMu  sync.Mutex
}

func newChannel(o owner, log *zap.Logger, id uint32, name string, offeredLocally, backpressure bool) *Channel {
	ch := &Channel{
		id:             id,
		name:           name,
		offeredLocally: offeredLocally,
		backpressure:   backpressure,
		owner:          o,
		log:            log.With(zap.Uint32("channel", id)),
		accepted:       make(chan struct{}),
		done:           make(chan struct{}),
		pending:        newBuffer(),
		remoteWin:      newWindow(0, backpressure),
	}
	if offeredLocally {
		ch.state = stateCreated
	} else {
		ch.state = stateOffered
		ch.announced = true
	}
	return ch
}

// ID returns the unique identifier of this channel within the stream.
func (ch *Channel) ID() uint32 {
	return ch.id
}

// Name returns the name the channel was offered with. Anonymous channels
// have an empty name.
func (ch *Channel) Name() string {
	return ch.name
}

// LocalWindowSize is the receiving window the remote party must respect.
func (ch *Channel) LocalWindowSize() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.localWindow
}

// RemoteWindowSize is the receiving window of the remote party.
func (ch *Channel) RemoteWindowSize() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteWindow
}

// Done is closed once the channel is terminated.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// WaitAccepted blocks until both parties have accepted the channel. It
// fails if the channel is rejected, canceled or terminated first.
func (ch *Channel) WaitAccepted(ctx context.Context) error {
	select {
	case <-ch.accepted:
		return ch.acceptErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) isAccepted() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateAccepted
}

func (ch *Channel) isTerminated() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateTerminated
}

// Read reads up to len(data) bytes from the channel. Once the remote party
// completes writing and the buffer is drained, Read returns io.EOF.
func (ch *Channel) Read(data []byte) (int, error) {
	n, remaining, err := ch.pending.Read(data)
	if n > 0 && ch.backpressure {
		ch.consume(int64(n), remaining)
	}
	return n, err
}

// consume records that the application processed n bytes and acknowledges
// them once half the window is consumed or nothing is left buffered.
func (ch *Channel) consume(n int64, remaining int) {
	ch.mu.Lock()
	ch.consumed += n
	var ack int64
	if ch.state == stateAccepted && (remaining == 0 || ch.consumed >= ch.localWindow/2) {
		ack = ch.consumed
		ch.consumed = 0
		ch.received -= ack
	}
	ch.mu.Unlock()
	if ack > 0 {
		ch.owner.contentProcessed(ch, ack)
	}
}

// Write writes len(data) bytes to the channel. It blocks until the channel
// is accepted and, with backpressure, while the remote window is full.
func (ch *Channel) Write(data []byte) (n int, err error) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if err := ch.WaitAccepted(context.Background()); err != nil {
		return 0, err
	}
	ch.mu.Lock()
	sentEOF := ch.sentEOF
	ch.mu.Unlock()
	if sentEOF {
		return 0, ErrWritingCompleted
	}

	for len(data) > 0 {
		want := min(len(data), frame.MaxPayloadLength)
		granted, err := ch.remoteWin.reserve(int64(want))
		if err != nil {
			return n, err
		}
		chunk := data[:granted]
		if err := ch.send(frame.Content, chunk); err != nil {
			ch.remoteWin.unreserve(granted)
			return n, err
		}
		n += len(chunk)
		data = data[len(chunk):]
	}
	return n, nil
}

// CloseWrite signals the end of sending data.
// The other side may still send data.
func (ch *Channel) CloseWrite() error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if err := ch.WaitAccepted(context.Background()); err != nil {
		return err
	}
	ch.mu.Lock()
	if ch.sentEOF {
		ch.mu.Unlock()
		return nil
	}
	ch.sentEOF = true
	ch.mu.Unlock()
	return ch.send(frame.ContentWritingCompleted, nil)
}

// Close terminates the channel and notifies the remote party. Closing an
// already terminated channel is a no-op.
func (ch *Channel) Close() error {
	ch.terminate(ErrChannelTerminated)
	return nil
}

// send emits one frame for this channel unless it has been terminated.
func (ch *Channel) send(code frame.Code, payload []byte) error {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if ch.isTerminated() {
		return ErrChannelTerminated
	}
	return ch.owner.sendChannelFrame(ch, code, payload)
}

// sendIfLive is send for frames whose loss on a terminated channel is fine.
func (ch *Channel) sendIfLive(code frame.Code, payload []byte) (sent bool, err error) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if ch.isTerminated() {
		return false, nil
	}
	return true, ch.owner.sendChannelFrame(ch, code, payload)
}

func (ch *Channel) resolveAcceptance(err error) {
	ch.acceptOnce.Do(func() {
		ch.acceptErr = err
		close(ch.accepted)
	})
}

// tryAcceptOffer moves a remote offer to the accepted state with the given
// local receiving window. The caller announces the acceptance and then
// calls resolveAcceptance.
func (ch *Channel) tryAcceptOffer(window int64) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	switch ch.state {
	case stateOffered:
		ch.state = stateAccepted
		ch.localWindow = window
		ch.remoteWin.setSize(ch.remoteWindow)
		return nil
	case stateAccepted:
		return ErrAlreadyAccepted
	case stateTerminated:
		return ErrChannelUnavailable
	default:
		return ErrNotAcceptable
	}
}

// onAccepted applies the remote party's acceptance of a local offer. It
// reports false when the channel is no longer waiting for it, as happens
// when a cancellation crossed the acceptance in transit.
func (ch *Channel) onAccepted(remoteWindow int64) bool {
	ch.mu.Lock()
	if ch.state != stateCreated {
		ch.mu.Unlock()
		return false
	}
	ch.state = stateAccepted
	ch.remoteWindow = remoteWindow
	ch.remoteWin.setSize(remoteWindow)
	ch.mu.Unlock()
	ch.resolveAcceptance(nil)
	return true
}

func (ch *Channel) onContent(payload []byte) error {
	ch.mu.Lock()
	switch {
	case ch.state == stateTerminated:
		ch.mu.Unlock()
		return nil
	case ch.state == stateOffered:
		ch.mu.Unlock()
		return errors.Wrapf(ErrProtocolViolation, "content on channel %d before acceptance", ch.id)
	case ch.gotEOF:
		ch.mu.Unlock()
		return errors.Wrapf(ErrProtocolViolation, "content on channel %d after writing completed", ch.id)
	}
	if ch.backpressure {
		ch.received += int64(len(payload))
		if ch.received > ch.localWindow {
			ch.mu.Unlock()
			return errors.Wrapf(ErrProtocolViolation, "remote overran the %d byte window of channel %d", ch.localWindow, ch.id)
		}
	}
	ch.mu.Unlock()
	if len(payload) > 0 {
		ch.pending.write(payload)
	}
	return nil
}

func (ch *Channel) onContentProcessed(n int64) error {
	if ch.isTerminated() {
		return nil
	}
	return ch.remoteWin.release(n)
}

func (ch *Channel) onWritingCompleted() {
	ch.mu.Lock()
	ch.gotEOF = true
	ch.mu.Unlock()
	ch.pending.eof()
}

// terminate moves the channel to its terminal state once. Pending
// acceptance waiters fail with reason, readers drain and see io.EOF and
// blocked writers are released.
func (ch *Channel) terminate(reason error) bool {
	ch.mu.Lock()
	if ch.state == stateTerminated {
		ch.mu.Unlock()
		return false
	}
	prev := ch.state
	ch.state = stateTerminated
	ch.mu.Unlock()

	ch.terminated(prev, reason)
	return true
}

// abandon terminates the channel only if it is still in state from, which
// is how offers are canceled or rejected before anyone accepted them. It
// reports false if the negotiation was already resolved.
func (ch *Channel) abandon(from channelState, reason error) bool {
	ch.mu.Lock()
	if ch.state != from {
		ch.mu.Unlock()
		return false
	}
	ch.state = stateTerminated
	ch.mu.Unlock()

	ch.terminated(from, reason)
	return true
}

func (ch *Channel) terminated(prev channelState, reason error) {
	ch.log.Debug("channel terminated", zap.Stringer("from", prev), zap.Error(reason))
	ch.resolveAcceptance(reason)
	close(ch.done)
	ch.pending.eof()
	ch.remoteWin.close()

	// A disposing stream sends nothing more, and a writer blocked on the
	// closed transport may still hold sendMu.
	if ch.owner.isDisposing() {
		ch.owner.channelDisposed(ch)
		return
	}
	ch.sendMu.Lock()
	ch.owner.channelDisposed(ch)
	ch.sendMu.Unlock()
}

var _ io.ReadWriteCloser = (*Channel)(nil)
