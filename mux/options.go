package mux

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/progrium/mxstream/mux/frame"
)

// Options customize a Stream. The zero value speaks protocol version 1
// with the default receiving window.
type Options struct {
	// ProtocolMajorVersion is 1 or 2. Only version 2 supports backpressure.
	ProtocolMajorVersion int `mapstructure:"protocol_version" toml:"protocol_version"`

	// DefaultChannelReceivingWindowSize applies to channels whose
	// ChannelOptions do not specify a window.
	DefaultChannelReceivingWindowSize int64 `mapstructure:"default_window" toml:"default_window"`

	Logger  *zap.Logger `mapstructure:"-" toml:"-"`
	Metrics *Metrics    `mapstructure:"-" toml:"-"`

	// Random supplies the handshake random bytes. Defaults to crypto/rand.
	Random io.Reader `mapstructure:"-" toml:"-"`

	// WrapTransport, if set, wraps the transport before the handshake,
	// for example to compress it.
	WrapTransport func(io.ReadWriteCloser) io.ReadWriteCloser `mapstructure:"-" toml:"-"`
}

// ChannelOptions describe the local treatment of one channel.
type ChannelOptions struct {
	// ReceivingWindowSize is the number of unprocessed bytes the remote
	// party may send before it must wait for acknowledgement.
	ReceivingWindowSize int64 `mapstructure:"window" toml:"window"`
}

func (o *Options) withDefaults() (Options, error) {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ProtocolMajorVersion == 0 {
		opts.ProtocolMajorVersion = 1
	}
	if opts.ProtocolMajorVersion != 1 && opts.ProtocolMajorVersion != 2 {
		return opts, errors.Wrapf(frame.ErrUnsupportedVersion, "major version %d", opts.ProtocolMajorVersion)
	}
	if opts.DefaultChannelReceivingWindowSize < 0 {
		return opts, errors.Errorf("mux: negative default window size %d", opts.DefaultChannelReceivingWindowSize)
	}
	if opts.DefaultChannelReceivingWindowSize == 0 {
		opts.DefaultChannelReceivingWindowSize = frame.DefaultWindowSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts, nil
}

func (o *ChannelOptions) windowSize() int64 {
	if o == nil {
		return 0
	}
	return o.ReceivingWindowSize
}
