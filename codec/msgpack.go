package codec

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes values as MessagePack, the encoding of the version 2
// wire protocol.
type MsgpackCodec struct{}

func (c MsgpackCodec) Encoder(w io.Writer) Encoder {
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag("json")
	return enc
}

func (c MsgpackCodec) Decoder(r io.Reader) Decoder {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	return dec
}
