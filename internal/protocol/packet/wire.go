package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/frame"
)

// Marshal encodes pkt in its JSON wire form.
func Marshal(pkt Packet) ([]byte, error) {
	if pkt.Payload == nil {
		pkt.Payload = Payload{}
	}
	b, err := json.Marshal(pkt)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidFormat, "marshal packet", err)
	}
	return b, nil
}

// Parse decodes the JSON wire form. Payload numbers stay json.Number so the
// content digest recomputes over the sender's literals. Parse does not
// validate; pass the result to Handler.Validate.
func Parse(data []byte) (Packet, error) {
	var raw struct {
		Header  *json.RawMessage `json:"header"`
		Payload *json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Packet{}, protocol.Wrap(protocol.KindInvalidFormat, "parse packet", err)
	}
	if raw.Header == nil {
		return Packet{}, protocol.New(protocol.KindMissingHeader, "header")
	}

	var pkt Packet
	dec := json.NewDecoder(bytes.NewReader(*raw.Header))
	if err := dec.Decode(&pkt.Header); err != nil {
		return Packet{}, protocol.Wrap(protocol.KindInvalidFormat, "parse header", err)
	}

	pkt.Payload = Payload{}
	if raw.Payload != nil && !bytes.Equal(bytes.TrimSpace(*raw.Payload), []byte("null")) {
		dec = json.NewDecoder(bytes.NewReader(*raw.Payload))
		dec.UseNumber()
		if err := dec.Decode(&pkt.Payload); err != nil {
			return Packet{}, protocol.Wrap(protocol.KindInvalidFormat, "parse payload", err)
		}
	}
	return pkt, nil
}

// WriteFrame writes pkt as one frame. seq is a caller-chosen stream
// sequence carried in the frame header.
func WriteFrame(w io.Writer, pkt Packet, seq uint32, limits frame.Limits) error {
	body, err := Marshal(pkt)
	if err != nil {
		return err
	}
	var flags uint8
	switch pkt.Header.Type {
	case TypeControl:
		flags |= frame.FlagControl
	case TypeError:
		flags |= frame.FlagError
	}
	return frame.WriteFrame(w, frame.Frame{
		Header:  frame.Header{Type: uint8(pkt.Header.Type), Flags: flags, Sequence: seq},
		Payload: body,
	}, limits)
}

// ReadFrame reads one frame and parses the packet inside it.
func ReadFrame(r io.Reader, limits frame.Limits) (Packet, uint32, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Packet{}, 0, err
	}
	pkt, err := Parse(f.Payload)
	if err != nil {
		return Packet{}, f.Header.Sequence, err
	}
	if uint8(pkt.Header.Type) != f.Header.Type {
		return Packet{}, f.Header.Sequence, protocol.New(protocol.KindInvalidFormat,
			fmt.Sprintf("frame type %d does not match packet type %s", f.Header.Type, pkt.Header.Type))
	}
	return pkt, f.Header.Sequence, nil
}
