package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/intentlink/internal/auth"
	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/frame"
	"github.com/danmuck/intentlink/internal/protocol/handshake"
	"github.com/danmuck/intentlink/internal/protocol/packet"
	"github.com/danmuck/intentlink/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

var testKeys = auth.StaticKeys{
	"model-a": bytes.Repeat([]byte{0x11}, 32),
	"model-b": bytes.Repeat([]byte{0x11}, 32),
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newInitiated(t *testing.T, c *clock) (*handshake.Session, handshake.Message) {
	t.Helper()
	s, err := handshake.New("model-a", handshake.Options{
		Config: DefaultConfig().HandshakeConfig(),
		Keys:   testKeys,
		Now:    c.Now,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	syn, err := s.Initiate(context.Background(), "model-b", []string{"read_reports"}, map[string]any{"domain": "finance"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return s, syn
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 4; attempt++ {
		base := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: cfg.Multiplier, MaxDelay: cfg.MaxDelay}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got > base*3/2 {
			t.Fatalf("attempt %d jitter out of range: %v (base %v)", attempt, got, base)
		}
	}
}

func TestRetryStopsOnFinalError(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := Retry(context.Background(), cfg, 5, nil, func(int) error {
		calls++
		return protocol.New(protocol.KindScopeViolation, "narrowed to nothing")
	})
	if !protocol.IsKind(err, protocol.KindScopeViolation) || calls != 1 {
		t.Fatalf("final error must stop retries: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), cfg, 3, nil, func(attempt int) error {
		calls++
		if attempt < 3 {
			return protocol.New(protocol.KindTimeout, "no reply")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("timeouts must be retried: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), cfg, 2, nil, func(int) error {
		calls++
		return protocol.New(protocol.KindTimeout, "no reply")
	})
	if !protocol.IsKind(err, protocol.KindTimeout) || calls != 2 {
		t.Fatalf("attempts must be bounded: err=%v calls=%d", err, calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, BackoffConfig{InitialDelay: time.Hour}, 3, nil, func(int) error {
		return protocol.New(protocol.KindTimeout, "no reply")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func controlPacket(t *testing.T, h *packet.Handler, msg handshake.Message) packet.Packet {
	t.Helper()
	fields, err := msg.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	pkt, err := h.Create(packet.Payload{handshake.PayloadKey: fields}, msg.DstEndpoint, packet.TypeControl)
	if err != nil {
		t.Fatalf("create control packet: %v", err)
	}
	return pkt
}

func TestStreamCarriesControlPackets(t *testing.T) {
	testlog.Start(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	_, syn := newInitiated(t, c)
	h, err := packet.NewHandler("model-a", packet.DefaultConfig(), packet.WithClock(c.Now))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	ctrl := controlPacket(t, h, syn)
	errPkt, err := h.BuildErrorFor(ctrl, protocol.PolicyDenied("SIC-FW-002", []string{"inj.ignore_instructions"}))
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	var buf bytes.Buffer
	st := NewStream(&buf, frame.Limits{})
	for _, pkt := range []packet.Packet{ctrl, errPkt} {
		if err := st.Send(pkt); err != nil {
			t.Fatalf("send %s: %v", pkt.Header.Type, err)
		}
	}

	got, err := st.Receive()
	if err != nil {
		t.Fatalf("receive control: %v", err)
	}
	if err := h.Validate(got); err != nil {
		t.Fatalf("received packet must validate: %v", err)
	}
	raw, ok := got.Payload[handshake.PayloadKey].(map[string]any)
	if !ok {
		t.Fatalf("control payload lost its handshake message: %v", got.Payload)
	}
	msg, err := handshake.DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Kind != handshake.KindSyn || msg.SessionToken != syn.SessionToken || msg.Signature != syn.Signature {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if diff := cmp.Diff(syn.RequestedScope, msg.RequestedScope); diff != "" {
		t.Fatalf("scope (-want +got):\n%s", diff)
	}

	responder, err := handshake.New("model-b", handshake.Options{Keys: testKeys, Now: c.Now})
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	// no capability registry: signature and sequence pass, negotiation fails
	if _, err := responder.ReceiveSyn(context.Background(), msg); !protocol.IsKind(err, protocol.KindScopeViolation) {
		t.Fatalf("decoded SYN must verify and reach negotiation, got %v", err)
	}

	gotErr, err := st.Receive()
	if err != nil {
		t.Fatalf("receive error: %v", err)
	}
	perr, ok := packet.ErrorFromPacket(gotErr)
	if !ok || perr.Kind != protocol.KindPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %v", perr)
	}
	if diff := cmp.Diff([]string{"inj.ignore_instructions"}, perr.RuleIDs); diff != "" {
		t.Fatalf("rule ids (-want +got):\n%s", diff)
	}
}

func TestStreamRejectsApplicationPackets(t *testing.T) {
	testlog.Start(t)
	h, err := packet.NewHandler("model-a", packet.DefaultConfig())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	req, err := h.Create(packet.Payload{"action": "read"}, "model-b", packet.TypeRequest)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var buf bytes.Buffer
	if err := NewStream(&buf, frame.Limits{}).Send(req); !errors.Is(err, ErrInvalidControl) {
		t.Fatalf("expected ErrInvalidControl on send, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing may be written for a refused packet")
	}

	if err := packet.WriteFrame(&buf, req, 1, frame.DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if _, err := NewStream(&buf, frame.Limits{}).Receive(); !errors.Is(err, ErrInvalidControl) {
		t.Fatalf("expected ErrInvalidControl on receive, got %v", err)
	}
}

func TestStreamRejectsReplayedFrames(t *testing.T) {
	testlog.Start(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	_, syn := newInitiated(t, c)
	h, err := packet.NewHandler("model-a", packet.DefaultConfig())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	ctrl := controlPacket(t, h, syn)

	var buf bytes.Buffer
	for i := 0; i < 2; i++ {
		if err := packet.WriteFrame(&buf, ctrl, 1, frame.DefaultLimits()); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	st := NewStream(&buf, frame.Limits{})
	if _, err := st.Receive(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := st.Receive(); !protocol.IsKind(err, protocol.KindReplayDetected) {
		t.Fatalf("repeated frame sequence must be a replay, got %v", err)
	}
}

func TestStreamDeadlineIsTimeout(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	st := NewStream(local, frame.Limits{})
	if err := st.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, err := st.Receive()
	if !protocol.IsKind(err, protocol.KindTimeout) || !Retryable(err) {
		t.Fatalf("expected retryable Timeout, got %v", err)
	}
	if err := NewStream(&bytes.Buffer{}, frame.Limits{}).SetReadDeadline(time.Now()); err != nil {
		t.Fatalf("streams without deadlines ignore them: %v", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	testlog.Start(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg, err := NewRegistry(8)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	s1, _ := newInitiated(t, c)
	s2, _ := newInitiated(t, c)
	for _, s := range []*handshake.Session{s1, s2} {
		if err := reg.Put(s); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := reg.Put(s1); !protocol.IsKind(err, protocol.KindReplayDetected) {
		t.Fatalf("duplicate token must be a replay, got %v", err)
	}
	if got, ok := reg.Get(s1.Token()); !ok || got != s1 {
		t.Fatalf("get returned wrong session")
	}
	if reg.Len() != 2 {
		t.Fatalf("len=%d", reg.Len())
	}

	list := reg.List()
	if len(list) != 2 || list[0].Token > list[1].Token {
		t.Fatalf("list must be sorted by token: %+v", list)
	}

	if got := reg.Prune(); len(got) != 0 {
		t.Fatalf("nothing to prune yet, got %v", got)
	}
	c.Advance(DefaultConfig().HandshakeTimeout)
	pruned := reg.Prune()
	want := []string{s1.Token(), s2.Token()}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	if diff := cmp.Diff(want, pruned); diff != "" {
		t.Fatalf("pruned (-want +got):\n%s", diff)
	}
	if reg.Len() != 0 {
		t.Fatalf("len after prune=%d", reg.Len())
	}
	if !reg.Known(s1.Token()) {
		t.Fatalf("retired token must stay known")
	}
	if err := reg.Put(s1); !protocol.IsKind(err, protocol.KindReplayDetected) {
		t.Fatalf("retired token reuse must be a replay, got %v", err)
	}
}

func TestRegistryEstablished(t *testing.T) {
	testlog.Start(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg, _ := NewRegistry(0)
	pending, _ := newInitiated(t, c)
	if err := reg.Put(pending); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := reg.Established("model-b"); ok {
		t.Fatalf("SYN_SENT session must not count as established")
	}
	if reg.Known("missing") {
		t.Fatalf("unknown token reported as known")
	}
	if !reg.Active("model-b") {
		t.Fatalf("SYN_SENT session must count as active")
	}
	if reg.Active("model-c") {
		t.Fatalf("no session with model-c")
	}
	c.Advance(DefaultConfig().HandshakeTimeout)
	if reg.Active("model-b") {
		t.Fatalf("timed out session must not count as active")
	}
}
