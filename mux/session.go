package mux

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/progrium/mxstream/transport"
)

// session presents a Stream as a transport.Session. Every channel it
// opens or accepts uses the same channel options.
type session struct {
	*Stream
	opts *ChannelOptions
}

// Session returns a transport.Session view of s whose channels are created
// with opts.
func (s *Stream) Session(opts *ChannelOptions) transport.Session {
	return &session{Stream: s, opts: opts}
}

func (s *session) Open(ctx context.Context, name string) (transport.Channel, error) {
	ch, err := s.Offer(ctx, name, s.opts)
	if err != nil {
		return nil, s.ended(err)
	}
	return ch, nil
}

func (s *session) Accept(ctx context.Context, name string) (transport.Channel, error) {
	ch, err := s.Stream.Accept(ctx, name, s.opts)
	if err != nil {
		return nil, s.ended(err)
	}
	return ch, nil
}

// ended maps the disposal of a stream that was closed cleanly to io.EOF.
func (s *session) ended(err error) error {
	if errors.Is(err, ErrDisposed) && s.Wait() == nil {
		return io.EOF
	}
	return err
}
