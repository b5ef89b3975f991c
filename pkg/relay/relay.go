// Package relay manages fallback relay sessions for peer pairs whose NAT
// pairing cannot be hole-punched, and scores candidate relay nodes.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/stun"
)

// DefaultMaxSessions bounds concurrent relay sessions per manager.
const DefaultMaxSessions = 200

// SessionState is a relay session's lifecycle stage.
type SessionState string

const (
	StatePending  SessionState = "pending"
	StateActive   SessionState = "active"
	StateClosing  SessionState = "closing"
	StateClosed   SessionState = "closed"
)

// Session is one relayed data path between two peers via a relay node.
type Session struct {
	ID           string
	Local        identity.PeerId
	Remote       identity.PeerId
	Relay        identity.PeerId
	State        SessionState
	BytesIn      uint64
	BytesOut     uint64
	CreatedAt    time.Time
	LastActivity time.Time
}

// ErrAtCapacity is returned by CreateSession when activeCount has reached
// the manager's configured maximum.
var ErrAtCapacity = fmt.Errorf("relay: at capacity")

// Manager tracks the lifecycle of relay sessions.
type Manager struct {
	maxSessions int
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager with DefaultMaxSessions and the given idle
// eviction timeout.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{maxSessions: DefaultMaxSessions, idleTimeout: idleTimeout, sessions: make(map[string]*Session)}
}

func (m *Manager) activeCount() int {
	n := 0
	for _, s := range m.sessions {
		if s.State == StateActive {
			n++
		}
	}
	return n
}

// CreateSession creates a pending session, rejecting with ErrAtCapacity if
// the manager's active-session count is already at its limit.
func (m *Manager) CreateSession(sessionID string, local, remote, relayNode identity.PeerId) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCount() >= m.maxSessions {
		return nil, ErrAtCapacity
	}

	s := &Session{
		ID: sessionID, Local: local, Remote: remote, Relay: relayNode,
		State: StatePending, CreatedAt: time.Now(), LastActivity: time.Now(),
	}
	m.sessions[sessionID] = s
	return s, nil
}

// Activate transitions a pending session to active.
func (m *Manager) Activate(sessionID string) error {
	return m.transition(sessionID, StateActive)
}

// BeginClosing transitions an active session into closing.
func (m *Manager) BeginClosing(sessionID string) error {
	return m.transition(sessionID, StateClosing)
}

// Close transitions a session to closed. Valid from any non-closed state,
// so a session stuck pending or active can still be torn down.
func (m *Manager) Close(sessionID string) error {
	return m.transition(sessionID, StateClosed)
}

// allowedFrom enumerates the prior states each target state may be entered
// from, enforcing the monotonic pending -> active -> closing -> closed
// lifecycle (no skipping backwards).
var allowedFrom = map[SessionState][]SessionState{
	StateActive:  {StatePending},
	StateClosing: {StateActive},
	StateClosed:  {StatePending, StateActive, StateClosing},
}

func (m *Manager) transition(sessionID string, to SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("relay: unknown session %q", sessionID)
	}
	ok = false
	for _, from := range allowedFrom[to] {
		if s.State == from {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("relay: illegal transition %s -> %s for session %q", s.State, to, sessionID)
	}
	s.State = to
	s.LastActivity = time.Now()
	return nil
}

// RecordOutgoing and HandleIncoming update byte counters only while the
// session is active; calls on a non-active session are a silent no-op.
func (m *Manager) RecordOutgoing(sessionID string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.State == StateActive {
		s.BytesOut += n
		s.LastActivity = time.Now()
	}
}

func (m *Manager) HandleIncoming(sessionID string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.State == StateActive {
		s.BytesIn += n
		s.LastActivity = time.Now()
	}
}

// ByPeer returns sessions involving peer, either as local or remote.
func (m *Manager) ByPeer(peer identity.PeerId) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Local == peer || s.Remote == peer {
			out = append(out, s)
		}
	}
	return out
}

// ByRelay returns sessions carried by the given relay node.
func (m *Manager) ByRelay(relayNode identity.PeerId) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Relay == relayNode {
			out = append(out, s)
		}
	}
	return out
}

// AllSessions returns every tracked session.
func (m *Manager) AllSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// EvictIdle closes any active session whose lastActivity exceeds the
// manager's idle timeout. Call periodically from a background loop.
func (m *Manager) EvictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, s := range m.sessions {
		if s.State == StateActive && now.Sub(s.LastActivity) > m.idleTimeout {
			s.State = StateClosed
		}
	}
}

// Candidate is a scoring input for a relay node offer.
type Candidate struct {
	Node              identity.PeerId
	RTT               time.Duration
	IsDirect          bool
	NATType           stun.NATType
	AvailableCapacity int
}

// Score computes a relay candidate's desirability: higher is better.
// Lower RTT, direct reachability, a more permissive NAT type, and more
// available capacity each strictly increase the score.
func Score(c Candidate) float64 {
	score := baseScore(c.RTT)
	if c.IsDirect {
		score += 50
	}
	score += natBonus(c.NATType)
	score += capacityBonus(c.AvailableCapacity)
	return score
}

func baseScore(rtt time.Duration) float64 {
	ms := float64(rtt.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return 1000 / (1 + ms)
}

func natBonus(t stun.NATType) float64 {
	switch t {
	case stun.NATPublic:
		return 40
	case stun.NATFullCone:
		return 30
	case stun.NATRestrictedCone:
		return 20
	case stun.NATPortRestrictedCone:
		return 10
	case stun.NATSymmetric:
		return 0
	default:
		return 5
	}
}

func capacityBonus(available int) float64 {
	if available < 0 {
		return 0
	}
	return float64(available) * 0.1
}
