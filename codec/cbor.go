package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes values as RFC 8949 CBOR data items.
type CBORCodec struct{}

func (c CBORCodec) Encoder(w io.Writer) Encoder {
	return cbor.NewEncoder(w)
}

func (c CBORCodec) Decoder(r io.Reader) Decoder {
	return cbor.NewDecoder(r)
}
