package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// v1HeaderLength is opcode:1 + channel id:4 + payload length:2.
const v1HeaderLength = 7

var v1Magic = [4]byte{0x2f, 0xdf, 0x1d, 0x50}

// V1 is the fixed-header framer. It has no ContentProcessed frame, so
// channels using it have no backpressure.
type V1 struct {
	rwc io.ReadWriteCloser
	log *zap.Logger
}

func NewV1(rwc io.ReadWriteCloser, log *zap.Logger) *V1 {
	if log == nil {
		log = zap.NewNop()
	}
	return &V1{rwc: rwc, log: log}
}

func (f *V1) Version() Version {
	return Version{Major: 1}
}

func (f *V1) WriteHandshake(random []byte) error {
	if len(random) != RandomLength {
		return errors.Wrapf(ErrMalformed, "handshake random length %d", len(random))
	}
	buf := make([]byte, 0, len(v1Magic)+RandomLength)
	buf = append(buf, v1Magic[:]...)
	buf = append(buf, random...)
	_, err := f.rwc.Write(buf)
	return errors.Wrap(err, "frame: write handshake")
}

func (f *V1) ReadHandshake(local []byte) (HandshakeResult, error) {
	var buf [len(v1Magic) + RandomLength]byte
	if _, err := io.ReadFull(f.rwc, buf[:]); err != nil {
		return HandshakeResult{}, errors.Wrap(err, "frame: read handshake")
	}
	if !bytes.Equal(buf[:len(v1Magic)], v1Magic[:]) {
		return HandshakeResult{}, errors.Wrapf(ErrMagicMismatch, "got %x", buf[:len(v1Magic)])
	}
	odd, err := IsOdd(local, buf[len(v1Magic):])
	if err != nil {
		return HandshakeResult{}, err
	}
	return HandshakeResult{IsOdd: odd, Version: f.Version()}, nil
}

func (f *V1) WriteFrame(fr Frame) error {
	if len(fr.Payload) > MaxPayloadLength {
		return errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(fr.Payload))
	}
	f.log.Debug("<<ENC", zap.Stringer("frame", fr))

	packet := make([]byte, v1HeaderLength, v1HeaderLength+len(fr.Payload))
	packet[0] = byte(fr.Code)
	binary.BigEndian.PutUint32(packet[1:5], fr.ChannelID)
	binary.BigEndian.PutUint16(packet[5:7], uint16(len(fr.Payload)))
	packet = append(packet, fr.Payload...)
	_, err := f.rwc.Write(packet)
	return err
}

func (f *V1) ReadFrame() (Frame, error) {
	var hdr [v1HeaderLength]byte
	if _, err := io.ReadFull(f.rwc, hdr[:]); err != nil {
		// ReadFull reports io.EOF only when no byte of the header arrived.
		return Frame{}, err
	}

	fr := Frame{Header: Header{
		Code:      Code(hdr[0]),
		ChannelID: binary.BigEndian.Uint32(hdr[1:5]),
	}}
	if !fr.Code.Valid() {
		return Frame{}, errors.Wrapf(ErrMalformed, "unknown code %d", hdr[0])
	}
	length := binary.BigEndian.Uint16(hdr[5:7])
	if length > MaxPayloadLength {
		return Frame{}, errors.Wrapf(ErrMalformed, "payload length %d", length)
	}
	if length > 0 {
		fr.Payload = make([]byte, length)
		if _, err := io.ReadFull(f.rwc, fr.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}

	f.log.Debug(">>DEC", zap.Stringer("frame", fr))
	return fr, nil
}

// EncodeOffer carries only the name. Window sizes cannot be expressed.
func (f *V1) EncodeOffer(p OfferParameters) ([]byte, error) {
	payload := []byte(p.Name)
	if len(payload) > MaxPayloadLength {
		return nil, errors.Wrap(ErrPayloadTooLarge, "channel name is too long")
	}
	return payload, nil
}

func (f *V1) DecodeOffer(payload []byte) (OfferParameters, error) {
	if !utf8.Valid(payload) {
		return OfferParameters{}, errors.Wrap(ErrMalformed, "channel name is not valid UTF-8")
	}
	return OfferParameters{Name: string(payload)}, nil
}

func (f *V1) EncodeAcceptance(AcceptanceParameters) ([]byte, error) {
	return nil, nil
}

func (f *V1) DecodeAcceptance([]byte) (AcceptanceParameters, error) {
	return AcceptanceParameters{}, nil
}

func (f *V1) EncodeContentProcessed(int64) ([]byte, error) {
	return nil, ErrUnsupported
}

func (f *V1) DecodeContentProcessed([]byte) (int64, error) {
	return 0, ErrUnsupported
}

func (f *V1) Close() error {
	return f.rwc.Close()
}
