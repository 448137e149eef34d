package session

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/handshake"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// DefaultRetiredTokens is the default retired-token memory size.
const DefaultRetiredTokens = 4096

// Registry stores live sessions by token. The map is guarded by the
// registry; each session serializes its own transitions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*handshake.Session
	retired  *lru.Cache[string, struct{}]
}

func NewRegistry(retiredTokens int) (*Registry, error) {
	if retiredTokens <= 0 {
		retiredTokens = DefaultRetiredTokens
	}
	retired, err := lru.New[string, struct{}](retiredTokens)
	if err != nil {
		return nil, err
	}
	return &Registry{
		sessions: make(map[string]*handshake.Session),
		retired:  retired,
	}, nil
}

// Known reports whether token is live or was recently retired.
func (r *Registry) Known(token string) bool {
	key := strings.TrimSpace(token)
	r.mu.RLock()
	_, live := r.sessions[key]
	r.mu.RUnlock()
	return live || r.retired.Contains(key)
}

// Put stores s under its token. Reusing a live or retired token is a replay.
func (r *Registry) Put(s *handshake.Session) error {
	key := strings.TrimSpace(s.Token())
	if key == "" {
		return errors.New("session: session has no token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.sessions[key]; live || r.retired.Contains(key) {
		return protocol.Newf(protocol.KindReplayDetected, "session token %s already used", key)
	}
	r.sessions[key] = s
	return nil
}

func (r *Registry) Get(token string) (*handshake.Session, bool) {
	key := strings.TrimSpace(token)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Retire forgets a session and remembers its token.
func (r *Registry) Retire(token string) {
	key := strings.TrimSpace(token)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	r.retired.Add(key, struct{}{})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Established returns the most recently established live session with
// remote.
func (r *Registry) Established(remote string) (*handshake.Session, bool) {
	r.mu.RLock()
	candidates := make([]*handshake.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var best *handshake.Session
	var bestSnap handshake.Snapshot
	for _, s := range candidates {
		if s.Poll() != handshake.StateEstablished {
			continue
		}
		snap := s.Snapshot()
		if snap.Remote != remote {
			continue
		}
		if best == nil || snap.EstablishedAt.After(bestSnap.EstablishedAt) {
			best, bestSnap = s, snap
		}
	}
	return best, best != nil
}

// Active reports whether any non-terminal session with remote exists,
// including one still mid-handshake.
func (r *Registry) Active(remote string) bool {
	r.mu.RLock()
	candidates := make([]*handshake.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		if s.Poll().IsTerminal() {
			continue
		}
		if s.Snapshot().Remote == remote {
			return true
		}
	}
	return false
}

// List returns snapshots of live sessions sorted by token.
func (r *Registry) List() []handshake.Snapshot {
	r.mu.RLock()
	out := make([]handshake.Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Token < out[j].Token
	})
	return out
}

// Prune applies deadlines and expiry to every session and retires the
// terminal ones. It returns the retired tokens sorted.
func (r *Registry) Prune() []string {
	r.mu.RLock()
	candidates := make(map[string]*handshake.Session, len(r.sessions))
	for token, s := range r.sessions {
		candidates[token] = s
	}
	r.mu.RUnlock()

	var done []string
	for token, s := range candidates {
		if s.Poll().IsTerminal() {
			done = append(done, token)
		}
	}
	sort.Strings(done)
	for _, token := range done {
		r.Retire(token)
	}
	if len(done) > 0 {
		log.Debug().Int("retired", len(done)).Msg("session registry pruned")
	}
	return done
}
