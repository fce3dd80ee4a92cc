// Package transport declares the contracts between channel multiplexers and
// the code running over them, so neither has to import the other.
package transport

import "context"

// Session is a bi-directional channel muxing session on a given transport.
type Session interface {
	// Close closes the underlying transport.
	// Any blocked Open or Accept operations will be unblocked and return errors.
	Close() error

	// Open offers a new channel with the given name to the other end and
	// returns it once accepted.
	Open(ctx context.Context, name string) (Channel, error)

	// Accept waits for and returns the next incoming channel with the given
	// name. It returns io.EOF once the session has been closed cleanly.
	Accept(ctx context.Context, name string) (Channel, error)
}

// Channel is an ordered, reliable, duplex stream
// that is multiplexed over a transport.
type Channel interface {
	// Read reads up to len(data) bytes from the channel.
	Read(data []byte) (int, error)

	// Write writes len(data) bytes to the channel.
	Write(data []byte) (int, error)

	// Close signals end of channel use. No data may be sent after this
	// call.
	Close() error

	// CloseWrite signals the end of sending in-band
	// data. The other side may still send data
	CloseWrite() error

	// ID returns the unique identifier of this channel
	// within the session
	ID() uint32
}
