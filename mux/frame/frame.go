// Package frame implements the wire formats of the multiplexing protocol.
//
// Two mutually incompatible versions exist and are chosen once per
// connection. Version 1 uses a fixed 7 byte header followed by the payload.
// Version 2 encodes every frame as a msgpack array and adds the
// ContentProcessed frame that makes per-channel backpressure possible.
package frame

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// MaxPayloadLength is the largest payload a single frame may carry.
	MaxPayloadLength = 20 * 1024

	// DefaultWindowSize is the receiving window used when none is negotiated.
	DefaultWindowSize = 5 * MaxPayloadLength

	// RandomLength is the number of random bytes exchanged in the handshake.
	RandomLength = 16
)

// Code identifies the kind of a frame. The numeric values are the protocol
// contract and never change within a major version.
type Code byte

const (
	Offer Code = iota
	OfferAccepted
	Content
	ContentWritingCompleted
	ChannelTerminated
	ContentProcessed
)

func (c Code) String() string {
	switch c {
	case Offer:
		return "Offer"
	case OfferAccepted:
		return "OfferAccepted"
	case Content:
		return "Content"
	case ContentWritingCompleted:
		return "ContentWritingCompleted"
	case ChannelTerminated:
		return "ChannelTerminated"
	case ContentProcessed:
		return "ContentProcessed"
	default:
		return fmt.Sprintf("Code(%d)", byte(c))
	}
}

// Valid reports whether c is part of the protocol enumeration.
func (c Code) Valid() bool {
	return c <= ContentProcessed
}

var (
	ErrUnsupported         = errors.New("frame: not supported in this protocol version")
	ErrMagicMismatch       = errors.New("frame: protocol magic number mismatch")
	ErrUnsupportedVersion  = errors.New("frame: unsupported protocol version")
	ErrIndeterminateParity = errors.New("frame: unable to determine even/odd party")
	ErrPayloadTooLarge     = errors.New("frame: payload exceeds maximum length")
	ErrMalformed           = errors.New("frame: malformed frame")
)

// Header addresses a frame. A zero ChannelID means the id is absent.
type Header struct {
	Code      Code
	ChannelID uint32
}

// Frame is a header plus its opaque payload.
type Frame struct {
	Header
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("{%s ChannelID:%d Length:%d}", f.Code, f.ChannelID, len(f.Payload))
}

// Version is a protocol version.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// HandshakeResult is what both parties learn from the handshake.
type HandshakeResult struct {
	IsOdd   bool
	Version Version
}

// OfferParameters travel with an Offer frame. A zero WindowSize means the
// offering party did not request one.
type OfferParameters struct {
	Name       string
	WindowSize int64
}

// AcceptanceParameters travel with an OfferAccepted frame. A zero
// WindowSize means none was granted explicitly.
type AcceptanceParameters struct {
	WindowSize int64
}

// Framer translates between transport bytes and frames for one protocol
// version. ReadFrame must only be called by one goroutine and WriteFrame
// calls must be serialized by the caller.
type Framer interface {
	Version() Version

	WriteHandshake(random []byte) error
	ReadHandshake(local []byte) (HandshakeResult, error)

	// WriteFrame writes one frame in a single transport write.
	WriteFrame(f Frame) error
	// ReadFrame returns io.EOF only if the transport ended between frames.
	ReadFrame() (Frame, error)

	EncodeOffer(p OfferParameters) ([]byte, error)
	DecodeOffer(payload []byte) (OfferParameters, error)
	EncodeAcceptance(p AcceptanceParameters) ([]byte, error)
	DecodeAcceptance(payload []byte) (AcceptanceParameters, error)
	EncodeContentProcessed(n int64) ([]byte, error)
	DecodeContentProcessed(payload []byte) (int64, error)

	// Close ends the underlying transport.
	Close() error
}

// New returns the Framer for the given major protocol version.
func New(major int, rwc io.ReadWriteCloser, log *zap.Logger) (Framer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch major {
	case 1:
		return NewV1(rwc, log), nil
	case 2:
		return NewV2(rwc, log), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedVersion, "major version %d", major)
	}
}
