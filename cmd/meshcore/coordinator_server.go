package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/coordinator"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/relay"
	"github.com/meshcore/meshcore/pkg/signaling"
	"github.com/meshcore/meshcore/pkg/stun"
)

// coordinatorServer is the public-node rendezvous role (component C9):
// it decodes signaling.Server frames, answers coordinator.Service's
// PeerDirectory/Dispatcher needs, and allocates relay.Manager sessions
// for pairings the coordinator cannot compatibility-match for a direct
// hole punch.
type coordinatorServer struct {
	srv       *signaling.Server
	svc       *coordinator.Service
	relayMgr  *relay.Manager
	relayKey  []byte
	relayNode identity.PeerId
	relayAddr string

	mu        sync.Mutex
	endpoints map[identity.PeerId]peerRecord
}

type peerRecord struct {
	addr      *net.UDPAddr
	natType   stun.NATType
	publicKey string
}

// newCoordinatorServer builds a coordinatorServer. relayNode is this
// coordinator's own PeerId and relayAddr its own externally reachable
// endpoint, both recorded on relay sessions it allocates (this node acts
// as the relay itself for sessions it grants). Call setServer once the
// signaling.Server it backs exists.
func newCoordinatorServer(relayMgr *relay.Manager, relayKey []byte, relayNode identity.PeerId, relayAddr string) *coordinatorServer {
	return &coordinatorServer{
		relayMgr:  relayMgr,
		relayKey:  relayKey,
		relayNode: relayNode,
		relayAddr: relayAddr,
		endpoints: make(map[identity.PeerId]peerRecord),
	}
}

func (c *coordinatorServer) setServer(srv *signaling.Server) {
	c.srv = srv
}

// Lookup implements coordinator.PeerDirectory.
func (c *coordinatorServer) Lookup(peer identity.PeerId) (*net.UDPAddr, stun.NATType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.endpoints[peer]
	if !ok {
		return nil, stun.NATUnknown, false
	}
	return rec.addr, rec.natType, true
}

// SendInvite implements coordinator.Dispatcher: deliver target's invite
// over the connection registered under target, describing the initiator.
func (c *coordinatorServer) SendInvite(target, from identity.PeerId, fromEndpoint *net.UDPAddr, fromNATType stun.NATType) error {
	pc, ok := c.srv.Conn(target)
	if !ok {
		return fmt.Errorf("coordinatorServer: %s is not connected", target)
	}
	return pc.SendHolePunchInvite(signaling.HolePunchInvite{
		PeerID:   from,
		Endpoint: fromEndpoint.String(),
		NATType:  string(fromNATType),
	})
}

// SendExecute implements coordinator.Dispatcher: deliver the execute
// directive over the connection registered under to, naming targetPeer so
// its orchestrator keys the attempt correctly (see HandleExecute).
func (c *coordinatorServer) SendExecute(to, targetPeer identity.PeerId, targetEndpoint *net.UDPAddr, simultaneous bool) error {
	pc, ok := c.srv.Conn(to)
	if !ok {
		return fmt.Errorf("coordinatorServer: %s is not connected", to)
	}
	if simultaneous {
		return pc.SendHolePunchNow(signaling.HolePunchNow{PeerID: targetPeer, TargetEndpoint: targetEndpoint.String()})
	}
	return pc.SendHolePunchInitiate(signaling.HolePunchInitiate{PeerID: targetPeer, TargetEndpoint: targetEndpoint.String()})
}

// OnRegister implements signaling.ServerHandler: a peer has announced
// itself; acknowledge and gossip its presence isn't attempted until it
// reports an endpoint.
func (c *coordinatorServer) OnRegister(conn *signaling.PeerConn, v signaling.Register) {
	log.Printf("[Coordinator] %s registered for network %s", v.PeerID, v.NetworkID)
	conn.SendRegistered(signaling.Registered{ServerTime: time.Now().UTC()})
}

// OnReportEndpoint implements signaling.ServerHandler: record the peer's
// reflexive endpoint and NAT type, and gossip it to every other connected
// peer so their PeerEndpointStore learns about it without a direct probe.
func (c *coordinatorServer) OnReportEndpoint(conn *signaling.PeerConn, v signaling.ReportEndpoint) {
	addr, err := net.ResolveUDPAddr("udp", v.Endpoint)
	if err != nil {
		conn.SendError(signaling.ErrorMsg{Message: fmt.Sprintf("unparseable endpoint %q", v.Endpoint)})
		return
	}

	c.mu.Lock()
	c.endpoints[conn.PeerID] = peerRecord{addr: addr, natType: stun.NATType(v.NATType)}
	c.mu.Unlock()

	for _, peer := range c.srv.Peers() {
		if peer == conn.PeerID {
			continue
		}
		if other, ok := c.srv.Conn(peer); ok {
			other.SendPeerEndpoint(signaling.PeerEndpoint{PeerID: conn.PeerID, Endpoint: v.Endpoint, NATType: v.NATType})
		}
	}
}

// OnRequestConnection implements signaling.ServerHandler, handing the
// request to coordinator.Service to broker.
func (c *coordinatorServer) OnRequestConnection(conn *signaling.PeerConn, v signaling.RequestConnection) {
	addr, natType, ok := c.Lookup(conn.PeerID)
	if !ok {
		conn.SendError(signaling.ErrorMsg{Message: "no reported endpoint on file; call reportEndpoint first"})
		return
	}
	if err := c.svc.HandleRequest(conn.PeerID, v.Target, addr, natType); err != nil {
		conn.SendError(signaling.ErrorMsg{Message: err.Error()})
	}
}

// OnHolePunchResult implements signaling.ServerHandler.
func (c *coordinatorServer) OnHolePunchResult(conn *signaling.PeerConn, v signaling.HolePunchResultMsg) {
	var established *net.UDPAddr
	if v.ActualEndpoint != "" {
		established, _ = net.ResolveUDPAddr("udp", v.ActualEndpoint)
	}
	c.svc.HandleResult(conn.PeerID, v.Target, v.Success, established)
}

// OnRequestRelay implements signaling.ServerHandler: allocate a relay
// session for conn<->target and hand back a time-limited access token.
func (c *coordinatorServer) OnRequestRelay(conn *signaling.PeerConn, v signaling.RequestRelay) {
	sessionID, err := randomSessionID()
	if err != nil {
		conn.SendError(signaling.ErrorMsg{Message: "failed to allocate relay session"})
		return
	}

	if _, err := c.relayMgr.CreateSession(sessionID, conn.PeerID, v.Target, c.relayNode); err != nil {
		conn.SendError(signaling.ErrorMsg{Message: err.Error()})
		return
	}
	if err := c.relayMgr.Activate(sessionID); err != nil {
		conn.SendError(signaling.ErrorMsg{Message: err.Error()})
		return
	}

	token := relay.IssueToken(c.relayKey, conn.PeerID, sessionID)
	conn.SendRelayAssigned(signaling.RelayAssigned{SessionID: sessionID, PeerID: v.Target, Endpoint: c.relayAddr, Token: token})
}

// OnPing implements signaling.ServerHandler.
func (c *coordinatorServer) OnPing(conn *signaling.PeerConn) {
	conn.SendPong()
}

func randomSessionID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
