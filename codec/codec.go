// Package codec encodes values sent over channels, for example the ids of
// anonymous channels announced over a named control channel.
package codec

import (
	"io"

	"github.com/pkg/errors"
)

type Encoder interface {
	// Encode writes an encoding of v to its Writer.
	Encode(v interface{}) error
}

type Decoder interface {
	// Decode reads the next encoded value from its Reader and stores it in the value pointed to by v.
	Decode(v interface{}) error
}

// Codec returns an Encoder or Decoder given a Writer or Reader.
type Codec interface {
	Encoder(w io.Writer) Encoder
	Decoder(r io.Reader) Decoder
}

// ByName returns the codec registered under name: json, cbor or msgpack.
// Each is wrapped in a FrameCodec.
func ByName(name string) (Codec, error) {
	switch name {
	case "json":
		return &FrameCodec{Codec: JSONCodec{}}, nil
	case "cbor":
		return &FrameCodec{Codec: CBORCodec{}}, nil
	case "msgpack":
		return &FrameCodec{Codec: MsgpackCodec{}}, nil
	}
	return nil, errors.Errorf("codec: unknown codec %q", name)
}

// Conn pairs an Encoder and a Decoder over one duplex stream.
type Conn struct {
	Encoder
	Decoder
}

// NewConn returns a Conn that encodes to and decodes from rw with c.
func NewConn(rw io.ReadWriter, c Codec) *Conn {
	return &Conn{
		Encoder: c.Encoder(rw),
		Decoder: c.Decoder(rw),
	}
}
