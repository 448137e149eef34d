// Package frame delimits serialized packets on a byte stream.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is "INTL" in big-endian order.
	Magic          uint32 = 0x494E544C
	WireVersion    uint16 = 1
	FixedHeaderLen        = 16

	FlagControl uint8 = 0x01
	FlagError   uint8 = 0x02
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrBadMagic           = errors.New("frame: bad magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported wire version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrEmptyPayload       = errors.New("frame: empty payload")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	Type       uint8
	Flags      uint8
	Sequence   uint32
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

// DefaultLimits leaves headroom above the 1 MiB packet payload default for
// the header and envelope JSON.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 2 * 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != WireVersion {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.PayloadLen == 0 {
		return Frame{}, ErrEmptyPayload
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("frame: read payload: %w", err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame stamps magic, wire version and payload length before writing.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Payload) == 0 {
		return ErrEmptyPayload
	}
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = WireVersion
	h.PayloadLen = uint32(len(f.Payload))

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = h.Type
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Type:       b[6],
		Flags:      b[7],
		Sequence:   binary.BigEndian.Uint32(b[8:12]),
		PayloadLen: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
