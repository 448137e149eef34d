package endpoint

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/packet"
	"github.com/danmuck/intentlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Handshake runs the initiator side of a handshake with remote over st and
// returns the session token once ESTABLISHED. A peer ERROR answering the
// SYN comes back as the peer's typed error. Traffic left over from earlier
// attempts on the same stream is skipped.
func (e *Endpoint) Handshake(ctx context.Context, st *session.Stream, remote string, scope []string, boundary map[string]any) (string, error) {
	syn, token, err := e.initiate(ctx, remote, scope, boundary)
	if err != nil {
		return "", err
	}
	if err := st.Send(syn); err != nil {
		e.abandon(token)
		return "", err
	}
	deadline := time.Now().Add(e.cfg.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := st.SetReadDeadline(deadline); err != nil {
		e.abandon(token)
		return "", err
	}
	defer func() { _ = st.SetReadDeadline(time.Time{}) }()

	for {
		if err := ctx.Err(); err != nil {
			e.abandon(token)
			return "", err
		}
		in, err := st.Receive()
		if err != nil {
			e.abandon(token)
			return "", err
		}
		if in.Header.Type == packet.TypeError {
			if orig, _ := in.Payload.StringField(packet.ErrorOriginalIDKey); orig != syn.Header.SemanticID {
				log.Debug().Str("endpoint", e.id).Str("session", token).Msg("skipping stale peer error")
				continue
			}
		}
		res, err := e.Handle(ctx, in)
		if res.Session != "" && res.Session != token {
			log.Debug().Str("endpoint", e.id).Str("session", res.Session).Msg("skipping stale handshake traffic")
			continue
		}
		if err != nil {
			if res.Reply != nil {
				_ = st.Send(*res.Reply)
			}
			e.abandon(token)
			return "", err
		}
		switch res.Disposition {
		case DispositionPeerError:
			e.abandon(token)
			return "", res.PeerError
		case DispositionEstablished:
			if res.Reply != nil {
				if err := st.Send(*res.Reply); err != nil {
					e.abandon(token)
					return "", err
				}
			}
			return token, nil
		default:
			e.abandon(token)
			return "", protocol.Newf(protocol.KindInvalidState, "unexpected %s during handshake", res.Disposition)
		}
	}
}

// HandshakeWithRetry repeats Handshake with the configured backoff while
// failures are transient (timeouts, state races). Every attempt uses a
// fresh session token.
func (e *Endpoint) HandshakeWithRetry(ctx context.Context, st *session.Stream, remote string, scope []string, boundary map[string]any, maxAttempts int) (string, error) {
	var token string
	err := session.Retry(ctx, e.cfg.Backoff, maxAttempts, nil, func(attempt int) error {
		t, err := e.Handshake(ctx, st, remote, scope, boundary)
		if err != nil {
			log.Warn().
				Str("endpoint", e.id).
				Str("remote", remote).
				Int("attempt", attempt).
				Err(err).
				Msg("handshake attempt failed")
			return err
		}
		token = t
		return nil
	})
	return token, err
}

// Serve answers handshake traffic on st until the stream ends. A closed
// stream returns nil. Rejected packets are answered with ERROR packets and
// do not stop the loop; close the stream to stop Serve.
func (e *Endpoint) Serve(ctx context.Context, st *session.Stream) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := st.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		res, err := e.Handle(ctx, in)
		if err != nil {
			log.Debug().Str("endpoint", e.id).Str("session", res.Session).Err(err).Msg("control traffic rejected")
		}
		if res.Reply == nil {
			continue
		}
		if err := st.Send(*res.Reply); err != nil {
			return err
		}
	}
}
