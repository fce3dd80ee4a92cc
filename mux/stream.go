// Package mux multiplexes many independent channels over one duplex byte
// transport.
//
// Both parties run New over their end of the transport. The handshake
// decides which party allocates odd channel ids and which even ones, after
// which either side may offer named or anonymous channels and accept the
// offers of the other side. Accepted channels are ordinary
// io.ReadWriteClosers.
package mux

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/progrium/mxstream/mux/frame"
)

// Stream is a multiplexing connection over one transport.
type Stream struct {
	id      xid.ID
	framer  frame.Framer
	version frame.Version
	isOdd   bool

	defaultWindow int64
	log           *zap.Logger
	metrics       *Metrics

	// writeGate admits exactly one frame onto the transport at a time.
	writeGate *semaphore.Weighted

	mu        sync.Mutex
	lastID    int64
	channels  map[uint32]*Channel
	offered   map[string][]*Channel
	accepting map[string][]*acceptWaiter

	listenersMu sync.Mutex
	listeners   []OfferListener

	disposing   atomic.Bool
	disposeOnce sync.Once
	closeErr    error
	err         error
	done        chan struct{}
}

// New performs the handshake over rwc and returns the stream once it
// completes. Canceling ctx aborts the handshake and closes rwc.
func New(ctx context.Context, rwc io.ReadWriteCloser, opts *Options) (*Stream, error) {
	if rwc == nil {
		return nil, errors.New("mux: transport must be specified")
	}
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if o.WrapTransport != nil {
		rwc = o.WrapTransport(rwc)
	}
	id := xid.New()
	log := o.Logger.With(zap.Stringer("stream", id))
	framer, err := frame.New(o.ProtocolMajorVersion, rwc, log.Named("frame"))
	if err != nil {
		return nil, err
	}
	random, err := frame.NewRandom(o.Random)
	if err != nil {
		return nil, err
	}
	result, err := handshake(ctx, framer, random)
	if err != nil {
		framer.Close()
		o.Metrics.failed()
		return nil, errors.Wrap(err, "mux: handshake")
	}
	log.Debug("handshake complete",
		zap.Stringer("version", result.Version),
		zap.Bool("odd", result.IsOdd))

	s := &Stream{
		id:            id,
		framer:        framer,
		version:       framer.Version(),
		isOdd:         result.IsOdd,
		defaultWindow: o.DefaultChannelReceivingWindowSize,
		log:           log,
		metrics:       o.Metrics,
		writeGate:     semaphore.NewWeighted(1),
		channels:      make(map[uint32]*Channel),
		offered:       make(map[string][]*Channel),
		accepting:     make(map[string][]*acceptWaiter),
		done:          make(chan struct{}),
	}
	// the first channel created is 1 for the odd party and 2 for the even one
	if s.isOdd {
		s.lastID = -1
	}
	go s.loop()
	return s, nil
}

// handshake writes the local handshake while reading the remote one, so
// unbuffered transports cannot deadlock.
func handshake(ctx context.Context, f frame.Framer, random []byte) (frame.HandshakeResult, error) {
	var result frame.HandshakeResult
	var g errgroup.Group
	g.Go(func() error {
		if err := f.WriteHandshake(random); err != nil {
			f.Close()
			return err
		}
		return nil
	})
	g.Go(func() (err error) {
		result, err = f.ReadHandshake(random)
		if err != nil {
			// unblocks a write the remote party stopped reading
			f.Close()
		}
		return err
	})

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-finished:
		}
	}()
	err := g.Wait()
	close(finished)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, err
}

// IsOdd reports whether this party allocates odd channel ids.
func (s *Stream) IsOdd() bool {
	return s.isOdd
}

// ProtocolVersion is the protocol version negotiated for this stream.
func (s *Stream) ProtocolVersion() frame.Version {
	return s.version
}

// BackpressureEnabled reports whether channels are flow controlled.
func (s *Stream) BackpressureEnabled() bool {
	return s.version.Major > 1
}

// DefaultWindowSize is the receiving window of channels that do not ask
// for a specific one.
func (s *Stream) DefaultWindowSize() int64 {
	return s.defaultWindow
}

// Done is closed when the stream has shut down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the stream has shut down and returns the error that
// caused it, or nil if it was closed intentionally or the transport ended.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Err returns the fatal error of a stream that has shut down.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close disposes the stream: every channel is terminated, every pending
// negotiation fails and the transport is closed. Only the first call has
// an effect.
func (s *Stream) Close() error {
	var err error
	s.disposeOnce.Do(func() {
		s.shutdown(nil)
		err = s.closeErr
	})
	return err
}

// fail shuts the stream down with a fatal error. Only the first failure
// is recorded.
func (s *Stream) fail(err error) {
	s.disposeOnce.Do(func() {
		s.shutdown(err)
	})
}

func (s *Stream) shutdown(err error) {
	s.disposing.Store(true)
	s.err = err
	if err != nil {
		s.log.Warn("stream failed", zap.Error(err))
		s.metrics.failed()
	} else {
		s.log.Debug("stream disposed")
	}
	s.closeErr = s.framer.Close()

	s.mu.Lock()
	channels := s.channels
	waiters := s.accepting
	s.channels = make(map[uint32]*Channel)
	s.offered = make(map[string][]*Channel)
	s.accepting = make(map[string][]*acceptWaiter)
	s.mu.Unlock()

	reason := ErrDisposed
	if err != nil {
		reason = errors.Wrap(ErrDisposed, err.Error())
	}
	for _, ch := range channels {
		ch.terminate(reason)
	}
	for _, queue := range waiters {
		for _, w := range queue {
			w.result <- acceptResult{err: reason}
		}
	}
	close(s.done)
}

// loop runs the read side of the stream. It will process frames until the
// transport ends or an error is encountered, then dispose the stream.
func (s *Stream) loop() {
	var err error
	for err == nil {
		err = s.oneFrame()
	}
	if err == io.EOF || s.disposing.Load() {
		err = nil
	}
	if err != nil {
		s.fail(err)
		return
	}
	s.Close()
}

// oneFrame reads and dispatches one frame.
func (s *Stream) oneFrame() error {
	f, err := s.framer.ReadFrame()
	if err != nil {
		return err
	}
	s.metrics.frameReceived(f)

	if f.ChannelID == 0 {
		return errors.Wrapf(ErrProtocolViolation, "%s frame without channel id", f.Code)
	}
	switch f.Code {
	case frame.Offer:
		return s.onOffer(f.ChannelID, f.Payload)
	case frame.OfferAccepted:
		return s.onOfferAccepted(f.ChannelID, f.Payload)
	case frame.Content:
		return s.onContent(f.ChannelID, f.Payload)
	case frame.ContentProcessed:
		return s.onContentProcessed(f.ChannelID, f.Payload)
	case frame.ContentWritingCompleted:
		return s.onContentWritingCompleted(f.ChannelID)
	case frame.ChannelTerminated:
		s.onChannelTerminated(f.ChannelID)
		return nil
	default:
		return errors.Wrapf(ErrProtocolViolation, "unexpected frame %s", f.Code)
	}
}

func (s *Stream) lookup(code frame.Code, id uint32) (*Channel, error) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrProtocolViolation, "%s for unknown channel %d", code, id)
	}
	return ch, nil
}

func (s *Stream) onOffer(id uint32, payload []byte) error {
	params, err := s.framer.DecodeOffer(payload)
	if err != nil {
		return err
	}
	if (id%2 == 1) == s.isOdd {
		return errors.Wrapf(ErrProtocolViolation, "offer for channel %d uses our id parity", id)
	}

	ch := newChannel(s, s.log, id, params.Name, false, s.BackpressureEnabled())
	ch.remoteWindow = s.defaultWindow
	if s.BackpressureEnabled() && params.WindowSize > 0 {
		ch.remoteWindow = params.WindowSize
	}

	var waiter *acceptWaiter
	s.mu.Lock()
	if _, exists := s.channels[id]; exists {
		s.mu.Unlock()
		return errors.Wrapf(ErrProtocolViolation, "offer for existing channel %d", id)
	}
	s.channels[id] = ch
	if params.Name != "" {
		if queue := s.accepting[params.Name]; len(queue) > 0 {
			waiter = queue[0]
			if len(queue) == 1 {
				delete(s.accepting, params.Name)
			} else {
				s.accepting[params.Name] = queue[1:]
			}
			// cannot fail, nobody else has seen the channel yet
			ch.tryAcceptOffer(waiter.window)
		} else {
			s.offered[params.Name] = append(s.offered[params.Name], ch)
		}
	}
	s.mu.Unlock()
	s.metrics.channelOpened()

	// the waiting Accept call announces the acceptance
	if waiter != nil {
		waiter.result <- acceptResult{ch: ch}
	}
	s.log.Debug("channel offered",
		zap.Uint32("channel", id),
		zap.String("name", params.Name),
		zap.Bool("accepted", waiter != nil))
	return s.raiseChannelOffered(ChannelOfferedEvent{
		ID:         id,
		Name:       params.Name,
		IsAccepted: waiter != nil,
	})
}

func (s *Stream) onOfferAccepted(id uint32, payload []byte) error {
	params, err := s.framer.DecodeAcceptance(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookup(frame.OfferAccepted, id)
	if err != nil {
		return err
	}
	if !ch.offeredLocally {
		return errors.Wrapf(ErrProtocolViolation, "acceptance of remotely offered channel %d", id)
	}
	window := s.defaultWindow
	if s.BackpressureEnabled() && params.WindowSize > 0 {
		window = params.WindowSize
	}
	if !ch.onAccepted(window) {
		// Our cancellation crossed their acceptance in transit. The
		// termination we sent will reach them shortly.
		s.log.Debug("ignoring late acceptance", zap.Uint32("channel", id))
	}
	return nil
}

func (s *Stream) onContent(id uint32, payload []byte) error {
	ch, err := s.lookup(frame.Content, id)
	if err != nil {
		return err
	}
	s.metrics.contentReceived(len(payload))
	return ch.onContent(payload)
}

func (s *Stream) onContentProcessed(id uint32, payload []byte) error {
	n, err := s.framer.DecodeContentProcessed(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookup(frame.ContentProcessed, id)
	if err != nil {
		return err
	}
	return ch.onContentProcessed(n)
}

func (s *Stream) onContentWritingCompleted(id uint32) error {
	ch, err := s.lookup(frame.ContentWritingCompleted, id)
	if err != nil {
		return err
	}
	ch.onWritingCompleted()
	return nil
}

// onChannelTerminated handles the remote party terminating a channel,
// including canceling or rejecting an offer. Unknown ids were already
// cleaned up locally.
func (s *Stream) onChannelTerminated(id uint32) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	if ok {
		delete(s.channels, id)
		s.removeOffered(ch)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	reason := ErrChannelTerminated
	if ch.offeredLocally && !ch.isAccepted() {
		reason = ErrOfferRejected
	}
	// terminating may answer with a frame; keep the read loop reading
	go ch.terminate(reason)
}

// removeOffered drops ch from the queue of offers awaiting local
// acceptance. The caller holds s.mu.
func (s *Stream) removeOffered(ch *Channel) {
	if ch.name == "" {
		return
	}
	queue := s.offered[ch.name]
	for i, c := range queue {
		if c == ch {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.offered, ch.name)
	} else {
		s.offered[ch.name] = queue
	}
}

// sendFrame writes one frame while holding the write gate. A failure to
// write is fatal to the stream and fails it asynchronously.
func (s *Stream) sendFrame(ctx context.Context, f frame.Frame) error {
	if s.disposing.Load() {
		return ErrDisposed
	}
	if err := s.writeGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.writeGate.Release(1)
	if s.disposing.Load() {
		return ErrDisposed
	}
	if err := s.framer.WriteFrame(f); err != nil {
		err = errors.Wrapf(err, "mux: write %s frame", f.Code)
		// callers may hold a channel's sendMu, which shutdown takes
		go s.fail(err)
		return err
	}
	s.metrics.frameSent(f)
	return nil
}

// sendFrameNoThrow is for frames nobody waits on. Failures are reported
// through the stream completion instead of the caller.
func (s *Stream) sendFrameNoThrow(f frame.Frame) {
	if s.disposing.Load() {
		return
	}
	s.sendFrame(context.Background(), f)
}

func (s *Stream) sendChannelFrame(ch *Channel, code frame.Code, payload []byte) error {
	if code == frame.Content {
		s.metrics.contentSent(len(payload))
	}
	return s.sendFrame(context.Background(), frame.Frame{
		Header:  frame.Header{Code: code, ChannelID: ch.id},
		Payload: payload,
	})
}

func (s *Stream) isDisposing() bool {
	return s.disposing.Load()
}

func (s *Stream) contentProcessed(ch *Channel, n int64) {
	payload, err := s.framer.EncodeContentProcessed(n)
	if err != nil {
		s.fail(err)
		return
	}
	ch.sendIfLive(frame.ContentProcessed, payload)
}

// channelDisposed is called once per channel when it terminates. The
// channel stays registered until the remote party confirms with its own
// ChannelTerminated, so frames crossing ours in transit still resolve.
func (s *Stream) channelDisposed(ch *Channel) {
	s.mu.Lock()
	s.removeOffered(ch)
	announced := ch.announced
	if !announced {
		delete(s.channels, ch.id)
	}
	s.mu.Unlock()
	s.metrics.channelClosed()

	if !announced || s.disposing.Load() {
		// the connection going down implies the termination
		return
	}
	s.sendFrameNoThrow(frame.Frame{Header: frame.Header{Code: frame.ChannelTerminated, ChannelID: ch.id}})
}

// allocate registers a new locally offered channel under the next id of
// our parity. The caller holds s.mu.
func (s *Stream) allocate(name string, window int64) (*Channel, error) {
	if s.disposing.Load() {
		return nil, ErrDisposed
	}
	next := s.lastID + 2
	if next > math.MaxUint32 {
		return nil, ErrChannelIDExhausted
	}
	s.lastID = next
	ch := newChannel(s, s.log, uint32(next), name, true, s.BackpressureEnabled())
	ch.localWindow = window
	s.channels[ch.id] = ch
	s.metrics.channelOpened()
	return ch, nil
}
