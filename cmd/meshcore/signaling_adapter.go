package main

import (
	"context"
	"log"
	"net"

	"github.com/meshcore/meshcore/pkg/endpoint"
	"github.com/meshcore/meshcore/pkg/mesh"
	"github.com/meshcore/meshcore/pkg/signaling"
	"github.com/meshcore/meshcore/pkg/stun"
)

// coordinatorHandler bridges a signaling.Client's decoded server frames
// into the mesh facade: it feeds learned public keys into the node's
// keyring, reported endpoints/NAT types into its endpoint store, and
// hole-punch frames into its orchestrator.
type coordinatorHandler struct {
	node    *mesh.Node
	natType stun.NATType
}

func (h *coordinatorHandler) OnRegistered(v signaling.Registered) {
	log.Printf("[Coordinator] registered, server time %s", v.ServerTime)
}

func (h *coordinatorHandler) OnPeerEndpoint(v signaling.PeerEndpoint) {
	if v.PublicKey != "" {
		h.node.Keyring().Learn(v.PeerID, v.PublicKey)
	}
	addr, err := net.ResolveUDPAddr("udp", v.Endpoint)
	if err != nil {
		log.Printf("[Coordinator] peer endpoint %q for %s unparseable: %v", v.Endpoint, v.PeerID, err)
		return
	}
	h.node.Store().RecordReceived(v.PeerID, "coordinator", endpoint.Endpoint(addr.String()), h.node.EndpointMode())
	if v.NATType != "" {
		h.node.Store().UpdateNATType(v.PeerID, v.NATType)
	}
}

// OnHolePunchInvite handles an inbound invite: the coordinator has paired
// us as the responder against from, and we must decide compatibility and
// register a feed before from's execute directive (or our own probes)
// arrive.
func (h *coordinatorHandler) OnHolePunchInvite(v signaling.HolePunchInvite) {
	addr, err := net.ResolveUDPAddr("udp", v.Endpoint)
	if err != nil {
		log.Printf("[Coordinator] holePunchInvite endpoint %q unparseable: %v", v.Endpoint, err)
		return
	}
	h.node.Orchestrator().HandleInvite(context.Background(), v.PeerID, addr, stun.NATType(v.NATType), h.natType)
}

func (h *coordinatorHandler) OnHolePunchNow(v signaling.HolePunchNow) {
	addr, err := net.ResolveUDPAddr("udp", v.TargetEndpoint)
	if err != nil {
		log.Printf("[Coordinator] holePunchNow endpoint %q unparseable: %v", v.TargetEndpoint, err)
		return
	}
	// The coordinator has already resolved compatibility; simultaneous is
	// the common path when it did not hand us an explicit initiator role.
	h.node.Orchestrator().HandleExecute(context.Background(), v.PeerID, addr, true)
}

func (h *coordinatorHandler) OnHolePunchInitiate(v signaling.HolePunchInitiate) {
	addr, err := net.ResolveUDPAddr("udp", v.TargetEndpoint)
	if err != nil {
		log.Printf("[Coordinator] holePunchInitiate endpoint %q unparseable: %v", v.TargetEndpoint, err)
		return
	}
	h.node.Orchestrator().HandleExecute(context.Background(), v.PeerID, addr, false)
}

func (h *coordinatorHandler) OnHolePunchWait() {}

func (h *coordinatorHandler) OnHolePunchContinue(v signaling.HolePunchContinue) {
	addr, err := net.ResolveUDPAddr("udp", v.NewEndpoint)
	if err != nil {
		return
	}
	h.node.Orchestrator().HandleExecute(context.Background(), v.PeerID, addr, false)
}

// OnRelayAssigned opens a local relay session for the coordinator's
// fallback assignment so application traffic to v.PeerID routes through
// the relay until a direct path is learned. The access token is carried
// on the wire for the relay server to validate on first use; the facade
// does not need it once the session is recorded locally.
func (h *coordinatorHandler) OnRelayAssigned(v signaling.RelayAssigned) {
	if err := h.node.AssignRelay(v.SessionID, v.PeerID, v.Endpoint); err != nil {
		log.Printf("[Coordinator] relay assignment for %s at %s failed: %v", v.PeerID, v.Endpoint, err)
		return
	}
	log.Printf("[Coordinator] relay assigned for %s at %s", v.PeerID, v.Endpoint)
}

func (h *coordinatorHandler) OnPong() {}

func (h *coordinatorHandler) OnError(v signaling.ErrorMsg) {
	log.Printf("[Coordinator] error: %s", v.Message)
}
