package frame

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"go.uber.org/zap"
)

var v2Version = Version{Major: 2, Minor: 0}

// V2 encodes frames as msgpack arrays whose trailing fields are omitted
// when empty: [code], [code, channelId] or [code, channelId, payload].
type V2 struct {
	rwc io.ReadWriteCloser
	dec *msgpack.Decoder
	log *zap.Logger
}

func NewV2(rwc io.ReadWriteCloser, log *zap.Logger) *V2 {
	if log == nil {
		log = zap.NewNop()
	}
	return &V2{
		rwc: rwc,
		dec: msgpack.NewDecoder(rwc),
		log: log,
	}
}

func (f *V2) Version() Version {
	return v2Version
}

func (f *V2) WriteHandshake(random []byte) error {
	if len(random) != RandomLength {
		return errors.Wrapf(ErrMalformed, "handshake random length %d", len(random))
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeAll(
		func() error { return enc.EncodeArrayLen(2) },
		func() error { return enc.EncodeArrayLen(2) },
		func() error { return enc.EncodeInt(int64(v2Version.Major)) },
		func() error { return enc.EncodeInt(int64(v2Version.Minor)) },
		func() error { return enc.EncodeBytes(random) },
	); err != nil {
		return err
	}
	_, err := f.rwc.Write(buf.Bytes())
	return errors.Wrap(err, "frame: write handshake")
}

func (f *V2) ReadHandshake(local []byte) (HandshakeResult, error) {
	n, err := f.dec.DecodeArrayLen()
	if err != nil {
		return HandshakeResult{}, errors.Wrap(err, "frame: read handshake")
	}
	if n < 2 {
		return HandshakeResult{}, errors.Wrapf(ErrMalformed, "handshake has %d elements", n)
	}
	vn, err := f.dec.DecodeArrayLen()
	if err != nil || vn < 2 {
		return HandshakeResult{}, errors.Wrap(ErrMalformed, "handshake version")
	}
	var v Version
	if v.Major, err = f.dec.DecodeInt(); err != nil {
		return HandshakeResult{}, errors.Wrap(err, "frame: handshake major version")
	}
	if v.Minor, err = f.dec.DecodeInt(); err != nil {
		return HandshakeResult{}, errors.Wrap(err, "frame: handshake minor version")
	}
	if err := f.skip(vn - 2); err != nil {
		return HandshakeResult{}, err
	}
	remote, err := f.dec.DecodeBytes()
	if err != nil {
		return HandshakeResult{}, errors.Wrap(err, "frame: handshake random")
	}
	if err := f.skip(n - 2); err != nil {
		return HandshakeResult{}, err
	}
	if v.Major != v2Version.Major {
		return HandshakeResult{}, errors.Wrapf(ErrUnsupportedVersion, "remote speaks %s", v)
	}
	odd, err := IsOdd(local, remote)
	if err != nil {
		return HandshakeResult{}, err
	}
	return HandshakeResult{IsOdd: odd, Version: v}, nil
}

func (f *V2) WriteFrame(fr Frame) error {
	f.log.Debug("<<ENC", zap.Stringer("frame", fr))

	fields := 1
	if fr.ChannelID != 0 || len(fr.Payload) > 0 {
		fields = 2
	}
	if len(fr.Payload) > 0 {
		fields = 3
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(fields); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(fr.Code)); err != nil {
		return err
	}
	if fields > 1 {
		if err := enc.EncodeUint(uint64(fr.ChannelID)); err != nil {
			return err
		}
	}
	if fields > 2 {
		if err := enc.EncodeBytes(fr.Payload); err != nil {
			return err
		}
	}
	_, err := f.rwc.Write(buf.Bytes())
	return err
}

func (f *V2) ReadFrame() (Frame, error) {
	n, err := f.dec.DecodeArrayLen()
	if err != nil {
		// Only a clean end of stream before the first byte is io.EOF.
		return Frame{}, err
	}
	if n < 1 {
		return Frame{}, errors.Wrapf(ErrMalformed, "frame has %d elements", n)
	}

	var fr Frame
	code, err := f.dec.DecodeUint8()
	if err != nil {
		return Frame{}, unexpected(err, "code")
	}
	fr.Code = Code(code)
	if !fr.Code.Valid() {
		return Frame{}, errors.Wrapf(ErrMalformed, "unknown code %d", code)
	}
	if n > 1 {
		if fr.ChannelID, err = f.dec.DecodeUint32(); err != nil {
			return Frame{}, unexpected(err, "channel id")
		}
	}
	if n > 2 {
		if fr.Payload, err = f.dec.DecodeBytes(); err != nil {
			return Frame{}, unexpected(err, "payload")
		}
	}
	if err := f.skip(n - 3); err != nil {
		return Frame{}, err
	}

	f.log.Debug(">>DEC", zap.Stringer("frame", fr))
	return fr, nil
}

func (f *V2) EncodeOffer(p OfferParameters) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	fields := 1
	if p.WindowSize > 0 {
		fields = 2
	}
	if err := enc.EncodeArrayLen(fields); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(p.Name); err != nil {
		return nil, err
	}
	if fields > 1 {
		if err := enc.EncodeInt(p.WindowSize); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (f *V2) DecodeOffer(payload []byte) (OfferParameters, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 1 {
		return OfferParameters{}, errors.Wrap(ErrMalformed, "offer parameters")
	}
	var p OfferParameters
	if p.Name, err = dec.DecodeString(); err != nil {
		return OfferParameters{}, errors.Wrap(ErrMalformed, "offer name")
	}
	if n > 1 {
		if p.WindowSize, err = decodeOptionalInt(dec); err != nil {
			return OfferParameters{}, errors.Wrap(ErrMalformed, "offer window size")
		}
	}
	return p, nil
}

func (f *V2) EncodeAcceptance(p AcceptanceParameters) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	fields := 0
	if p.WindowSize > 0 {
		fields = 1
	}
	if err := enc.EncodeArrayLen(fields); err != nil {
		return nil, err
	}
	if fields > 0 {
		if err := enc.EncodeInt(p.WindowSize); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (f *V2) DecodeAcceptance(payload []byte) (AcceptanceParameters, error) {
	if len(payload) == 0 {
		return AcceptanceParameters{}, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return AcceptanceParameters{}, errors.Wrap(ErrMalformed, "acceptance parameters")
	}
	var p AcceptanceParameters
	if n > 0 {
		if p.WindowSize, err = decodeOptionalInt(dec); err != nil {
			return AcceptanceParameters{}, errors.Wrap(ErrMalformed, "acceptance window size")
		}
	}
	return p, nil
}

func (f *V2) EncodeContentProcessed(n int64) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("frame: negative processed byte count %d", n)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(1); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *V2) DecodeContentProcessed(payload []byte) (int64, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 1 {
		return 0, errors.Wrap(ErrMalformed, "content processed")
	}
	processed, err := dec.DecodeInt64()
	if err != nil || processed < 0 {
		return 0, errors.Wrap(ErrMalformed, "content processed byte count")
	}
	return processed, nil
}

func (f *V2) Close() error {
	return f.rwc.Close()
}

func (f *V2) skip(n int) error {
	for i := 0; i < n; i++ {
		if err := f.dec.Skip(); err != nil {
			return unexpected(err, "trailing element")
		}
	}
	return nil
}

// decodeOptionalInt decodes an integer that may be encoded as nil.
func decodeOptionalInt(dec *msgpack.Decoder) (int64, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, err
	}
	if c == msgpcode.Nil {
		return 0, dec.DecodeNil()
	}
	return dec.DecodeInt64()
}

// unexpected turns an end of stream inside a frame into io.ErrUnexpectedEOF.
func unexpected(err error, what string) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return errors.Wrapf(ErrMalformed, "%s: %v", what, err)
}

func encodeAll(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
