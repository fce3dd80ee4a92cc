package mux

import (
	"bytes"
	"context"
	"io"
	"math"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/progrium/mxstream/mux/frame"
)

var versions = []int{1, 2}

func testLogger(t *testing.T) *zap.Logger {
	// streams log from their own goroutines, which may outlive the test
	// at debug level
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

func randomOf(b byte) io.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, frame.RandomLength))
}

// streamPair connects two streams over a synchronous pipe. The first one
// is always the odd party.
func streamPair(t *testing.T, version int) (a, b *Stream) {
	t.Helper()
	return streamPairWith(t,
		&Options{ProtocolMajorVersion: version, Logger: testLogger(t).Named("a"), Random: randomOf(5)},
		&Options{ProtocolMajorVersion: version, Logger: testLogger(t).Named("b"), Random: randomOf(3)},
	)
}

func streamPairWith(t *testing.T, oa, ob *Options) (a, b *Stream) {
	t.Helper()
	ca, cb := net.Pipe()
	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() (err error) {
		a, err = New(ctx, ca, oa)
		return err
	})
	g.Go(func() (err error) {
		b, err = New(ctx, cb, ob)
		return err
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func eachVersion(t *testing.T, fn func(t *testing.T, version int)) {
	for _, v := range versions {
		v := v
		t.Run(frame.Version{Major: v}.String(), func(t *testing.T) {
			fn(t, v)
		})
	}
}

// waitOffered waits until n remote offers named name are queued on s.
func waitOffered(t *testing.T, s *Stream, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.offered[name]) == n
	}, time.Second, time.Millisecond)
}

// waitAccepting waits until n local Accept calls for name are queued on s.
func waitAccepting(t *testing.T, s *Stream, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.accepting[name]) == n
	}, time.Second, time.Millisecond)
}

func registered(s *Stream) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

type offerRecorder chan ChannelOfferedEvent

func (r offerRecorder) ChannelOffered(e ChannelOfferedEvent) {
	r <- e
}

func TestParity(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		assert.True(t, a.IsOdd())
		assert.False(t, b.IsOdd())
		assert.Equal(t, version, a.ProtocolVersion().Major)
		assert.Equal(t, version > 1, a.BackpressureEnabled())

		for _, want := range []uint32{1, 3, 5} {
			ch, err := a.CreateChannel(nil)
			require.NoError(t, err)
			assert.Equal(t, want, ch.ID())
		}
		for _, want := range []uint32{2, 4} {
			ch, err := b.CreateChannel(nil)
			require.NoError(t, err)
			assert.Equal(t, want, ch.ID())
		}
	})
}

func TestHandshakeCanceled(t *testing.T) {
	ca, cb := net.Pipe()
	defer cb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(ctx, ca, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	ca, cb := net.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		_, err := New(context.Background(), ca, &Options{ProtocolMajorVersion: 1})
		return err
	})
	_, err := New(context.Background(), cb, &Options{ProtocolMajorVersion: 2})
	assert.Error(t, err)
	assert.Error(t, g.Wait())
}

func TestInvalidOptions(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	_, err := New(context.Background(), ca, &Options{ProtocolMajorVersion: 3})
	assert.ErrorIs(t, err, frame.ErrUnsupportedVersion)

	_, err = New(context.Background(), ca, &Options{DefaultChannelReceivingWindowSize: -1})
	assert.Error(t, err)
}

func TestAcceptBeforeOffer(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		events := make(offerRecorder, 1)
		a.Subscribe(events)

		ctx := context.Background()
		accepted := make(chan *Channel, 1)
		go func() {
			ch, err := a.Accept(ctx, "svc", nil)
			assert.NoError(t, err)
			accepted <- ch
		}()
		waitAccepting(t, a, "svc", 1)

		offered, err := b.Offer(ctx, "svc", &ChannelOptions{ReceivingWindowSize: 64 << 10})
		require.NoError(t, err)
		ch := <-accepted
		require.NotNil(t, ch)

		want := int64(64 << 10)
		if version == 1 {
			want = frame.DefaultWindowSize
		}
		assert.Equal(t, offered.ID(), ch.ID())
		assert.Equal(t, "svc", ch.Name())
		assert.Equal(t, want, ch.RemoteWindowSize())
		assert.Equal(t, want, offered.LocalWindowSize())
		assert.Equal(t, int64(frame.DefaultWindowSize), ch.LocalWindowSize())
		assert.Equal(t, int64(frame.DefaultWindowSize), offered.RemoteWindowSize())

		e := <-events
		assert.Equal(t, ChannelOfferedEvent{ID: ch.ID(), Name: "svc", IsAccepted: true}, e)
	})
}

func TestOfferBeforeAccept(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		events := make(offerRecorder, 1)
		b.Subscribe(events)

		ctx := context.Background()
		offered := make(chan *Channel, 1)
		go func() {
			ch, err := a.Offer(ctx, "svc", nil)
			assert.NoError(t, err)
			offered <- ch
		}()
		e := <-events
		assert.False(t, e.IsAccepted)
		assert.Equal(t, "svc", e.Name)

		ch, err := b.Accept(ctx, "svc", nil)
		require.NoError(t, err)
		assert.Equal(t, e.ID, ch.ID())
		assert.Equal(t, ch.ID(), (<-offered).ID())
	})
}

func TestFIFOMatching(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		ctx := context.Background()

		var g errgroup.Group
		var offered [3]*Channel
		for i := range offered {
			i := i
			g.Go(func() (err error) {
				offered[i], err = b.Offer(ctx, "x", nil)
				return err
			})
			waitOffered(t, a, "x", i+1)
		}

		for i := range offered {
			ch, err := a.Accept(ctx, "x", nil)
			require.NoError(t, err)
			assert.Equal(t, uint32(2*(i+1)), ch.ID())
		}
		require.NoError(t, g.Wait())
		for i, ch := range offered {
			assert.Equal(t, uint32(2*(i+1)), ch.ID())
		}
	})
}

func TestReadWrite(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		ctx := context.Background()

		go func() {
			ch, err := b.Accept(ctx, "echo", nil)
			if !assert.NoError(t, err) {
				return
			}
			io.Copy(ch, ch)
			ch.CloseWrite()
		}()

		ch, err := a.Offer(ctx, "echo", nil)
		require.NoError(t, err)

		msg := bytes.Repeat([]byte("hello mux "), 10000)
		go func() {
			_, err := ch.Write(msg)
			assert.NoError(t, err)
			assert.NoError(t, ch.CloseWrite())
		}()
		got, err := io.ReadAll(ch)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, got))

		_, err = ch.Write([]byte("late"))
		assert.ErrorIs(t, err, ErrWritingCompleted)
		require.NoError(t, ch.Close())
		<-ch.Done()
	})
}

func TestAnonymousChannel(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		events := make(offerRecorder, 1)
		b.Subscribe(events)

		_, err := b.Accept(context.Background(), "", nil)
		assert.ErrorIs(t, err, ErrAnonymousAccept)

		ch, err := a.CreateChannel(nil)
		require.NoError(t, err)
		e := <-events
		assert.Equal(t, ch.ID(), e.ID)
		assert.Empty(t, e.Name)

		b.mu.Lock()
		assert.Empty(t, b.offered)
		b.mu.Unlock()

		remote, err := b.AcceptChannel(e.ID, nil)
		require.NoError(t, err)
		require.NoError(t, ch.WaitAccepted(context.Background()))

		_, err = b.AcceptChannel(e.ID, nil)
		assert.ErrorIs(t, err, ErrAlreadyAccepted)
		assert.ErrorIs(t, b.RejectChannel(e.ID), ErrAlreadyAccepted)
		_, err = a.AcceptChannel(ch.ID(), nil)
		assert.ErrorIs(t, err, ErrNotAcceptable)

		go func() {
			io.WriteString(ch, "ping")
			ch.CloseWrite()
		}()
		got, err := io.ReadAll(remote)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(got))
	})
}

func TestRejectUnknownChannel(t *testing.T) {
	a, _ := streamPair(t, 2)
	before := registered(a)
	assert.ErrorIs(t, a.RejectChannel(42), ErrUnknownChannel)
	_, err := a.AcceptChannel(42, nil)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, before, registered(a))
	assert.NoError(t, a.Err())
}

func TestRejectChannel(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		events := make(offerRecorder, 1)
		b.Subscribe(events)

		errs := make(chan error, 1)
		go func() {
			_, err := a.Offer(context.Background(), "nope", nil)
			errs <- err
		}()
		e := <-events
		require.NoError(t, b.RejectChannel(e.ID))
		assert.ErrorIs(t, <-errs, ErrOfferRejected)

		// both registries drop the channel once the terminations crossed
		require.Eventually(t, func() bool {
			return registered(a) == 0 && registered(b) == 0
		}, time.Second, time.Millisecond)
		assert.ErrorIs(t, b.RejectChannel(e.ID), ErrUnknownChannel)
	})
}

func TestTerminatedUnknownChannelIsNoop(t *testing.T) {
	a, b := streamPair(t, 2)
	a.onChannelTerminated(1000)

	go func() {
		ch, err := b.Accept(context.Background(), "after", nil)
		if assert.NoError(t, err) {
			ch.Close()
		}
	}()
	_, err := a.Offer(context.Background(), "after", nil)
	require.NoError(t, err)
	assert.NoError(t, a.Err())
}

func TestChannelCloseTerminatesRemote(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		ma, err := NewMetrics(nil)
		require.NoError(t, err)
		mb, err := NewMetrics(nil)
		require.NoError(t, err)
		a, b := streamPairWith(t,
			&Options{ProtocolMajorVersion: version, Logger: testLogger(t), Random: randomOf(5), Metrics: ma},
			&Options{ProtocolMajorVersion: version, Logger: testLogger(t), Random: randomOf(3), Metrics: mb},
		)
		ctx := context.Background()

		accepted := make(chan *Channel, 1)
		go func() {
			ch, err := b.Accept(ctx, "c", nil)
			assert.NoError(t, err)
			accepted <- ch
		}()
		ch, err := a.Offer(ctx, "c", nil)
		require.NoError(t, err)
		remote := <-accepted

		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())
		<-remote.Done()

		_, err = remote.Read(make([]byte, 1))
		assert.Equal(t, io.EOF, err)
		_, err = remote.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrChannelTerminated)

		require.Eventually(t, func() bool {
			return registered(a) == 0 && registered(b) == 0
		}, time.Second, time.Millisecond)

		// one termination each way, however often Close is called
		terminated := frame.ChannelTerminated.String()
		counters := []prometheus.Counter{
			ma.framesSent.WithLabelValues(terminated),
			mb.framesReceived.WithLabelValues(terminated),
			mb.framesSent.WithLabelValues(terminated),
			ma.framesReceived.WithLabelValues(terminated),
		}
		require.Eventually(t, func() bool {
			for _, c := range counters {
				if testutil.ToFloat64(c) != 1 {
					return false
				}
			}
			return true
		}, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		for _, c := range counters {
			assert.Equal(t, float64(1), testutil.ToFloat64(c))
		}
	})
}

func TestOfferCanceled(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		ch, err := a.Offer(ctx, "slow", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, ch)

		// the remote party learns the offer is gone
		require.Eventually(t, func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return len(b.offered) == 0 && len(b.channels) == 0
		}, time.Second, time.Millisecond)
		require.Eventually(t, func() bool {
			return registered(a) == 0
		}, time.Second, time.Millisecond)

		short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = b.Accept(short, "slow", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NoError(t, a.Err())
		assert.NoError(t, b.Err())
	})
}

func TestAcceptCanceled(t *testing.T) {
	a, _ := streamPair(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Accept(ctx, "never", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a.mu.Lock()
	assert.Empty(t, a.accepting)
	a.mu.Unlock()
}

func TestInvalidWindow(t *testing.T) {
	a, _ := streamPair(t, 2)
	_, err := a.Offer(context.Background(), "w", &ChannelOptions{ReceivingWindowSize: -1})
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = a.Accept(context.Background(), "w", &ChannelOptions{ReceivingWindowSize: -1})
	assert.ErrorIs(t, err, ErrInvalidWindow)
	assert.Equal(t, 0, registered(a))
}

func TestCloseIsIdempotent(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		ctx := context.Background()

		accepting := make(chan error, 1)
		go func() {
			_, err := a.Accept(ctx, "pending", nil)
			accepting <- err
		}()
		waitAccepting(t, a, "pending", 1)

		offering := make(chan error, 1)
		go func() {
			_, err := a.Offer(ctx, "unanswered", nil)
			offering <- err
		}()
		waitOffered(t, b, "unanswered", 1)

		require.NoError(t, a.Close())
		assert.NoError(t, a.Close())
		assert.NoError(t, a.Wait())

		assert.ErrorIs(t, <-accepting, ErrDisposed)
		assert.ErrorIs(t, <-offering, ErrDisposed)

		_, err := a.Offer(ctx, "after", nil)
		assert.ErrorIs(t, err, ErrDisposed)
		_, err = a.Accept(ctx, "after", nil)
		assert.ErrorIs(t, err, ErrDisposed)
		_, err = a.CreateChannel(nil)
		assert.ErrorIs(t, err, ErrDisposed)

		// the peer sees the transport end and shuts down cleanly
		assert.NoError(t, b.Wait())
	})
}

// rawPeer performs the handshake by hand and returns the framer so tests
// can write arbitrary frames to a stream.
func rawPeer(t *testing.T, version int) (*Stream, frame.Framer) {
	t.Helper()
	return rawPeerWith(t, &Options{ProtocolMajorVersion: version})
}

// rawPeerWith is rawPeer for a stream with the given options. The stream
// is always the odd party.
func rawPeerWith(t *testing.T, opts *Options) (*Stream, frame.Framer) {
	t.Helper()
	o := *opts
	o.Logger = testLogger(t)
	o.Random = randomOf(5)

	ca, cb := net.Pipe()
	f, err := frame.New(o.ProtocolMajorVersion, cb, zap.NewNop())
	require.NoError(t, err)

	var s *Stream
	var g errgroup.Group
	g.Go(func() (err error) {
		s, err = New(context.Background(), ca, &o)
		return err
	})
	g.Go(func() error {
		return f.WriteHandshake(bytes.Repeat([]byte{3}, frame.RandomLength))
	})
	_, err = f.ReadHandshake(bytes.Repeat([]byte{3}, frame.RandomLength))
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		s.Close()
		f.Close()
	})
	return s, f
}

func TestProtocolViolations(t *testing.T) {
	for name, f := range map[string]frame.Frame{
		"content for unknown channel":   {Header: frame.Header{Code: frame.Content, ChannelID: 7}, Payload: []byte("x")},
		"acceptance of unknown channel": {Header: frame.Header{Code: frame.OfferAccepted, ChannelID: 7}, Payload: []byte{0x90}},
		"processed for unknown channel": {Header: frame.Header{Code: frame.ContentProcessed, ChannelID: 7}, Payload: []byte{0x91, 0x01}},
		"offer with our parity":         {Header: frame.Header{Code: frame.Offer, ChannelID: 7}, Payload: []byte{0x91, 0xa1, 0x78}},
	} {
		f := f
		t.Run(name, func(t *testing.T) {
			s, peer := rawPeer(t, 2)

			accepting := make(chan error, 1)
			go func() {
				_, err := s.Accept(context.Background(), "pending", nil)
				accepting <- err
			}()
			waitAccepting(t, s, "pending", 1)

			go peer.WriteFrame(f)
			err := s.Wait()
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, err, s.Err())
			assert.ErrorIs(t, <-accepting, ErrDisposed)
		})
	}
}

func TestOverrunWindow(t *testing.T) {
	s, peer := rawPeerWith(t, &Options{ProtocolMajorVersion: 2, DefaultChannelReceivingWindowSize: 4})

	go func() {
		payload, _ := peer.EncodeOffer(frame.OfferParameters{Name: "tiny"})
		peer.WriteFrame(frame.Frame{Header: frame.Header{Code: frame.Offer, ChannelID: 2}, Payload: payload})
	}()
	go func() {
		ch, err := s.Accept(context.Background(), "tiny", nil)
		if err == nil {
			ch.Read(make([]byte, 1))
		}
	}()

	acc, err := peer.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame.OfferAccepted, acc.Code)
	params, err := peer.DecodeAcceptance(acc.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(4), params.WindowSize)

	go peer.WriteFrame(frame.Frame{Header: frame.Header{Code: frame.Content, ChannelID: 2}, Payload: []byte("too much")})
	assert.ErrorIs(t, s.Wait(), ErrProtocolViolation)
}

func TestChannelIDExhausted(t *testing.T) {
	a, _ := streamPair(t, 2)
	a.mu.Lock()
	a.lastID = math.MaxUint32
	a.mu.Unlock()

	_, err := a.CreateChannel(nil)
	assert.ErrorIs(t, err, ErrChannelIDExhausted)
	assert.ErrorIs(t, a.Wait(), ErrChannelIDExhausted)
}

func TestFlowControl(t *testing.T) {
	const window = 1024
	a, b := streamPairWith(t,
		&Options{ProtocolMajorVersion: 2, Logger: testLogger(t), Random: randomOf(5)},
		&Options{ProtocolMajorVersion: 2, Logger: testLogger(t), Random: randomOf(3), DefaultChannelReceivingWindowSize: window},
	)
	ctx := context.Background()

	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := b.Accept(ctx, "flow", &ChannelOptions{ReceivingWindowSize: window})
		assert.NoError(t, err)
		accepted <- ch
	}()
	ch, err := a.Offer(ctx, "flow", nil)
	require.NoError(t, err)
	remote := <-accepted
	assert.Equal(t, int64(window), ch.RemoteWindowSize())

	msg := bytes.Repeat([]byte{0x5a}, 4*window)
	written := make(chan struct{})
	go func() {
		defer close(written)
		n, err := ch.Write(msg)
		assert.NoError(t, err)
		assert.Equal(t, len(msg), n)
		ch.CloseWrite()
	}()

	// the writer fills the window and waits for acknowledgements
	require.Eventually(t, func() bool {
		return ch.remoteWin.inFlight() == window
	}, time.Second, time.Millisecond)
	select {
	case <-written:
		t.Fatal("write finished without acknowledgements")
	case <-time.After(20 * time.Millisecond):
	}
	assert.LessOrEqual(t, ch.remoteWin.inFlight(), int64(window))

	got, err := io.ReadAll(remote)
	require.NoError(t, err)
	assert.Equal(t, len(msg), len(got))
	<-written
	require.Eventually(t, func() bool {
		return ch.remoteWin.inFlight() == 0
	}, time.Second, time.Millisecond)
}

func TestNoBackpressureV1(t *testing.T) {
	a, b := streamPair(t, 1)
	ctx := context.Background()

	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := b.Accept(ctx, "fast", nil)
		assert.NoError(t, err)
		accepted <- ch
	}()
	ch, err := a.Offer(ctx, "fast", nil)
	require.NoError(t, err)
	remote := <-accepted

	// nobody reads while three windows worth of content is written
	msg := make([]byte, 3*frame.DefaultWindowSize)
	n, err := ch.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	require.NoError(t, ch.CloseWrite())

	got, err := io.ReadAll(remote)
	require.NoError(t, err)
	assert.Equal(t, len(msg), len(got))
}

func TestNestedStream(t *testing.T) {
	eachVersion(t, func(t *testing.T, version int) {
		a, b := streamPair(t, version)
		ctx := context.Background()

		accepted := make(chan *Channel, 1)
		go func() {
			ch, err := b.Accept(ctx, "inner", nil)
			assert.NoError(t, err)
			accepted <- ch
		}()
		outer, err := a.Offer(ctx, "inner", nil)
		require.NoError(t, err)

		innerA, innerB := streamPairOver(t, version, outer, <-accepted)

		go func() {
			ch, err := innerB.Accept(ctx, "deep", nil)
			if !assert.NoError(t, err) {
				return
			}
			io.Copy(ch, ch)
			ch.CloseWrite()
		}()
		ch, err := innerA.Offer(ctx, "deep", nil)
		require.NoError(t, err)
		go func() {
			io.WriteString(ch, "nested")
			ch.CloseWrite()
		}()
		got, err := io.ReadAll(ch)
		require.NoError(t, err)
		assert.Equal(t, "nested", string(got))

		require.NoError(t, innerA.Close())
		assert.NoError(t, innerB.Wait())
		assert.NoError(t, a.Err())
	})
}

func streamPairOver(t *testing.T, version int, ca, cb io.ReadWriteCloser) (a, b *Stream) {
	t.Helper()
	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() (err error) {
		a, err = New(ctx, ca, &Options{ProtocolMajorVersion: version, Logger: testLogger(t)})
		return err
	})
	g.Go(func() (err error) {
		b, err = New(ctx, cb, &Options{ProtocolMajorVersion: version, Logger: testLogger(t)})
		return err
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

var errBrokenTransport = errors.New("broken transport")

// brokenWriter fails every write once broken is set.
type brokenWriter struct {
	io.ReadWriteCloser
	broken atomic.Bool
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	if w.broken.Load() {
		return 0, errBrokenTransport
	}
	return w.ReadWriteCloser.Write(p)
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not complete")
	}
}

func TestWriteFailureFailsStream(t *testing.T) {
	var conn *brokenWriter
	a, b := streamPairWith(t,
		&Options{
			ProtocolMajorVersion: 2,
			Logger:               testLogger(t),
			Random:               randomOf(5),
			WrapTransport: func(rwc io.ReadWriteCloser) io.ReadWriteCloser {
				conn = &brokenWriter{ReadWriteCloser: rwc}
				return conn
			},
		},
		&Options{ProtocolMajorVersion: 2, Logger: testLogger(t), Random: randomOf(3)},
	)
	ctx := context.Background()

	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := b.Accept(ctx, "w", nil)
		assert.NoError(t, err)
		accepted <- ch
	}()
	ch, err := a.Offer(ctx, "w", nil)
	require.NoError(t, err)
	remote := <-accepted

	accepting := make(chan error, 1)
	go func() {
		_, err := a.Accept(ctx, "pending", nil)
		accepting <- err
	}()
	waitAccepting(t, a, "pending", 1)

	conn.broken.Store(true)
	written := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte("hello"))
		written <- err
	}()
	select {
	case err := <-written:
		assert.ErrorIs(t, err, errBrokenTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after the transport failed")
	}

	waitDone(t, a)
	assert.ErrorIs(t, a.Err(), errBrokenTransport)
	assert.ErrorIs(t, a.Wait(), errBrokenTransport)
	assert.ErrorIs(t, <-accepting, ErrDisposed)
	<-ch.Done()
	_, err = ch.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, a.Close())

	// the peer sees the transport end
	waitDone(t, b)
	<-remote.Done()
}

func TestPeerHangupDuringWrite(t *testing.T) {
	s, peer := rawPeer(t, 1)

	go func() {
		payload, _ := peer.EncodeOffer(frame.OfferParameters{Name: "stuck"})
		peer.WriteFrame(frame.Frame{Header: frame.Header{Code: frame.Offer, ChannelID: 2}, Payload: payload})
	}()
	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := s.Accept(context.Background(), "stuck", nil)
		assert.NoError(t, err)
		accepted <- ch
	}()
	acc, err := peer.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame.OfferAccepted, acc.Code)
	ch := <-accepted
	require.NotNil(t, ch)

	// nobody reads on the other end, so the write blocks in the transport
	written := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte("nobody reads this"))
		written <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peer.Close())

	waitDone(t, s)
	if err := s.Err(); err != nil {
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	}
	select {
	case err := <-written:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write was not released")
	}
	<-ch.Done()
	_, err = ch.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func TestAcceptWindowAtLeastDefault(t *testing.T) {
	const defaultWindow = 2048
	a, b := streamPairWith(t,
		&Options{ProtocolMajorVersion: 2, Logger: testLogger(t), Random: randomOf(5)},
		&Options{ProtocolMajorVersion: 2, Logger: testLogger(t), Random: randomOf(3), DefaultChannelReceivingWindowSize: defaultWindow},
	)
	ctx := context.Background()

	for requested, want := range map[int64]int64{
		0:                 defaultWindow,
		defaultWindow / 2: defaultWindow,
		defaultWindow * 2: defaultWindow * 2,
	} {
		accepted := make(chan *Channel, 1)
		go func() {
			ch, err := b.Accept(ctx, "win", &ChannelOptions{ReceivingWindowSize: requested})
			assert.NoError(t, err)
			accepted <- ch
		}()
		offered, err := a.Offer(ctx, "win", nil)
		require.NoError(t, err)
		ch := <-accepted
		require.NotNil(t, ch)
		assert.Equal(t, want, ch.LocalWindowSize(), "requested %d", requested)
		assert.Equal(t, want, offered.RemoteWindowSize(), "requested %d", requested)
	}

	ch, err := a.CreateChannel(nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return registered(b) == 4
	}, time.Second, time.Millisecond)
	remote, err := b.AcceptChannel(ch.ID(), &ChannelOptions{ReceivingWindowSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultWindow), remote.LocalWindowSize())
}
