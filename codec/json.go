package codec

import (
	"encoding/json"
	"io"
)

// JSONCodec encodes values as newline separated JSON documents.
type JSONCodec struct{}

func (c JSONCodec) Encoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

func (c JSONCodec) Decoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
