package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/frame"
	"github.com/danmuck/intentlink/internal/protocol/packet"
	"github.com/rs/zerolog/log"
)

var ErrInvalidControl = errors.New("session: invalid control traffic")

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Stream carries handshake traffic over a byte stream: CONTROL packets and
// the ERROR packets that answer them, one frame each. Frame sequences
// strictly increase per direction. Send is safe for concurrent use; Receive
// is not.
type Stream struct {
	rw     io.ReadWriter
	limits frame.Limits

	wmu  sync.Mutex
	sent uint32

	received uint32
}

func NewStream(rw io.ReadWriter, limits frame.Limits) *Stream {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &Stream{rw: rw, limits: limits}
}

// Send writes one CONTROL or ERROR packet.
func (s *Stream) Send(pkt packet.Packet) error {
	if !controlTraffic(pkt.Header.Type) {
		return fmt.Errorf("%w: cannot send %s packet", ErrInvalidControl, pkt.Header.Type)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	seq := s.sent + 1
	if err := packet.WriteFrame(s.rw, pkt, seq, s.limits); err != nil {
		return err
	}
	s.sent = seq
	log.Debug().
		Str("semantic_id", pkt.Header.SemanticID).
		Str("type", pkt.Header.Type.String()).
		Uint32("seq", seq).
		Msg("control stream send")
	return nil
}

// Receive reads the next packet. It does not validate the packet; that is
// the receiver's job. A passed read deadline surfaces as a Timeout.
func (s *Stream) Receive() (packet.Packet, error) {
	pkt, seq, err := packet.ReadFrame(s.rw, s.limits)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return packet.Packet{}, protocol.Wrap(protocol.KindTimeout, "control stream read", err)
		}
		return packet.Packet{}, err
	}
	if seq <= s.received {
		return packet.Packet{}, protocol.Newf(protocol.KindReplayDetected, "frame sequence %d after %d", seq, s.received)
	}
	s.received = seq
	if !controlTraffic(pkt.Header.Type) {
		return packet.Packet{}, fmt.Errorf("%w: received %s packet", ErrInvalidControl, pkt.Header.Type)
	}
	return pkt, nil
}

// SetReadDeadline bounds the next Receive calls when the underlying stream
// supports deadlines, as net.Conn does. The zero time clears it.
func (s *Stream) SetReadDeadline(t time.Time) error {
	d, ok := s.rw.(readDeadliner)
	if !ok {
		return nil
	}
	return d.SetReadDeadline(t)
}

func controlTraffic(t packet.Type) bool {
	return t == packet.TypeControl || t == packet.TypeError
}
