// Package coordinator implements the public-node rendezvous broker role:
// matching two peers' hole-punch requests, picking a strategy, and
// dispatching invite/execute directives.
package coordinator

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/holepunch"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/stun"
)

const (
	DefaultMaxConcurrent = 50
	requestTimeout       = 30 * time.Second
	inviteTimeout        = 10 * time.Second
	cleanupInterval      = 60 * time.Second
)

type requestState string

const (
	stateExecuting requestState = "executing"
	stateInviteSent requestState = "inviteSent"
	stateCompleted requestState = "completed"
)

// PeerDirectory resolves a peer's last-known endpoint and NAT type; the
// coordinator consults it to decide reachability and build invites.
type PeerDirectory interface {
	Lookup(peer identity.PeerId) (endpoint *net.UDPAddr, natType stun.NATType, ok bool)
}

// Dispatcher delivers invite/execute directives to peers, typically
// backed by each peer's signaling.Client connection. SendExecute's to is
// the connection to deliver the directive over; targetPeer is who that
// connection's orchestrator should key its execute-side feed/waiter by
// (the peer at the other end of targetEndpoint), distinct from to itself.
type Dispatcher interface {
	SendInvite(target identity.PeerId, from identity.PeerId, fromEndpoint *net.UDPAddr, fromNATType stun.NATType) error
	SendExecute(to identity.PeerId, targetPeer identity.PeerId, targetEndpoint *net.UDPAddr, simultaneous bool) error
}

type request struct {
	id                       string
	initiator, target        identity.PeerId
	initiatorEndpoint        *net.UDPAddr
	initiatorNATType         stun.NATType
	state                    requestState
	strategy                 holepunch.Strategy
	createdAt                time.Time
	stateEnteredAt           time.Time
	success                  bool
}

// Service is the rendezvous broker run by a publicly reachable node.
type Service struct {
	directory     PeerDirectory
	dispatch      Dispatcher
	maxConcurrent int

	mu          sync.Mutex
	byID        map[string]*request
	byTargetID  map[identity.PeerId]*request
	executing   int

	stopCh chan struct{}
}

// New creates a CoordinatorService. Call Run to start its cleanup loop.
func New(directory PeerDirectory, dispatch Dispatcher) *Service {
	return &Service{
		directory:     directory,
		dispatch:      dispatch,
		maxConcurrent: DefaultMaxConcurrent,
		byID:          make(map[string]*request),
		byTargetID:    make(map[identity.PeerId]*request),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the background cleanup loop; call Stop to end it.
func (s *Service) Run() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Service) Stop() {
	close(s.stopCh)
}

// HandleRequest brokers a hole-punch request from initiator targeting
// target, returning an error describing why the request was rejected (if
// it was).
func (s *Service) HandleRequest(initiator, target identity.PeerId, initiatorEndpoint *net.UDPAddr, initiatorNATType stun.NATType) error {
	s.mu.Lock()
	if s.executing >= s.maxConcurrent {
		s.mu.Unlock()
		return fmt.Errorf("coordinator: at capacity")
	}
	s.mu.Unlock()

	targetEndpoint, targetNATType, ok := s.directory.Lookup(target)
	if !ok {
		return fmt.Errorf("coordinator: unknown target %s", target)
	}

	strategy, ok := holepunch.Compatibility(initiatorNATType, targetNATType)
	if !ok {
		return fmt.Errorf("coordinator: incompatible NAT pairing for %s <-> %s", initiator, target)
	}

	req := &request{
		id:                fmt.Sprintf("%s:%s:%d", initiator, target, time.Now().UnixNano()),
		initiator:         initiator,
		target:            target,
		initiatorEndpoint: initiatorEndpoint,
		initiatorNATType:  initiatorNATType,
		strategy:          strategy,
		createdAt:         time.Now(),
		stateEnteredAt:    time.Now(),
		state:             stateInviteSent,
	}

	s.mu.Lock()
	s.byID[req.id] = req
	s.byTargetID[target] = req
	s.executing++
	s.mu.Unlock()

	if err := s.dispatch.SendInvite(target, initiator, initiatorEndpoint, initiatorNATType); err != nil {
		s.forget(req)
		return fmt.Errorf("coordinator: send invite: %w", err)
	}

	if err := s.dispatch.SendExecute(initiator, target, targetEndpoint, strategy == holepunch.Simultaneous); err != nil {
		s.forget(req)
		return fmt.Errorf("coordinator: send execute: %w", err)
	}

	s.mu.Lock()
	req.state = stateExecuting
	req.stateEnteredAt = time.Now()
	s.mu.Unlock()
	return nil
}

// HandleResult records the outcome reported by either side of a pair,
// matching regardless of which peer reports first.
func (s *Service) HandleResult(from, targetPeer identity.PeerId, success bool, establishedEndpoint *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.byTargetID[targetPeer]
	if !ok || (req.initiator != from && req.target != from) {
		req, ok = s.byTargetID[from]
	}
	if !ok {
		return
	}
	if req.state != stateCompleted {
		s.executing--
	}
	req.state = stateCompleted
	req.success = success
	req.stateEnteredAt = time.Now()
}

func (s *Service) forget(req *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, req.id)
	if s.byTargetID[req.target] == req {
		delete(s.byTargetID, req.target)
	}
	s.executing--
}

func (s *Service) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, req := range s.byID {
		// requestTimeout is an overall bound from creation that applies
		// regardless of state; the per-state checks below can only expire
		// a request sooner than that, never keep one alive past it.
		expired := now.Sub(req.createdAt) > requestTimeout
		switch req.state {
		case stateInviteSent:
			if now.Sub(req.stateEnteredAt) > inviteTimeout {
				expired = true
			}
		case stateExecuting, stateCompleted:
			if now.Sub(req.stateEnteredAt) > cleanupInterval {
				expired = true
			}
		}
		if expired {
			delete(s.byID, id)
			if s.byTargetID[req.target] == req {
				delete(s.byTargetID, req.target)
			}
			if req.state != stateCompleted {
				s.executing--
			}
		}
	}
}
