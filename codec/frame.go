package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds the values a FrameCodec decodes.
const MaxFrameSize = 1 << 24

var ErrFrameTooLarge = errors.New("codec: frame too large")

// length prefixed frame wrapper codec
type FrameCodec struct {
	Codec
}

func (c *FrameCodec) Encoder(w io.Writer) Encoder {
	return &frameEncoder{
		w: w,
		c: c.Codec,
	}
}

type frameEncoder struct {
	w io.Writer
	c Codec
}

func (e *frameEncoder) Encode(v interface{}) error {
	buf := bytes.NewBuffer(make([]byte, 4))
	if err := e.c.Encoder(buf).Encode(v); err != nil {
		return err
	}
	b := buf.Bytes()
	if len(b)-4 > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(b)-4)
	}
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	// one write keeps the frame whole on shared writers
	_, err := e.w.Write(b)
	return err
}

func (c *FrameCodec) Decoder(r io.Reader) Decoder {
	return &frameDecoder{
		r: r,
		c: c.Codec,
	}
}

type frameDecoder struct {
	r io.Reader
	c Codec
}

func (d *frameDecoder) Decode(v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return d.c.Decoder(bytes.NewReader(buf)).Decode(v)
}
