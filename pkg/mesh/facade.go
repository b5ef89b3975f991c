// Package mesh ties identity, transport, the endpoint store, and the
// hole-punch orchestrator into a single facade: one UDP socket demuxed
// into probe traffic and signed application envelopes, with a
// request/response continuation helper for callers that need a reply.
package mesh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/control"
	"github.com/meshcore/meshcore/pkg/endpoint"
	"github.com/meshcore/meshcore/pkg/envelope"
	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/holepunch"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/probe"
	"github.com/meshcore/meshcore/pkg/relay"
	"github.com/meshcore/meshcore/pkg/transport"
)

// defaultSendAndReceiveTimeout matches the signaling waitForMessage default
// named in the concurrency model.
const defaultSendAndReceiveTimeout = 30 * time.Second

// Handler is a user-supplied callback for application-level messages the
// facade does not itself understand (anything but ping/pong/response).
type Handler func(Message)

type pendingRequest struct {
	replyCh chan Message
}

// Node is the MeshNodeFacade: it owns the node's identity and its single
// UDP transport, and dispatches every inbound datagram to either the
// hole-punch orchestrator or the application message layer.
type Node struct {
	id        *identity.Identity
	machineID string
	networkID string

	transport    *transport.UDPTransport
	store        *endpoint.Store
	orchestrator *holepunch.Orchestrator
	relay        *relay.Manager
	keyring      *Keyring
	dedupe       *envelope.Dedupe
	sink         *events.Sink
	endpointMode endpoint.Mode

	control *control.Server

	mu      sync.Mutex
	handler Handler
	pending map[string]pendingRequest

	startedAt time.Time
}

// Config bundles the collaborators a Node is assembled from.
type Config struct {
	Identity     *identity.Identity
	MachineID    string
	NetworkID    string
	Transport    *transport.UDPTransport
	Store        *endpoint.Store
	Orchestrator *holepunch.Orchestrator
	Relay        *relay.Manager
	Sink         *events.Sink
	EndpointMode endpoint.Mode
}

// New assembles a Node and wires its transport callbacks. The node starts
// dispatching immediately; application messages that arrive before
// SetHandler is called are dropped.
func New(cfg Config) *Node {
	n := &Node{
		id:           cfg.Identity,
		machineID:    cfg.MachineID,
		networkID:    cfg.NetworkID,
		transport:    cfg.Transport,
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		relay:        cfg.Relay,
		keyring:      newKeyring(),
		dedupe:       envelope.NewDedupe(),
		sink:         cfg.Sink,
		endpointMode: cfg.EndpointMode,
		pending:      make(map[string]pendingRequest),
		startedAt:    time.Now(),
	}

	n.transport.OnProbe(n.handleProbe)
	n.transport.OnEnvelope(n.handleEnvelopeDatagram)

	return n
}

// SetHandler registers the application-level message callback.
func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// Keyring exposes the PeerId→public-key cache so callers (e.g. the
// coordinator signaling handler) can feed it PublicKey announcements.
func (n *Node) Keyring() *Keyring {
	return n.keyring
}

// Identity returns the node's own identity.
func (n *Node) Identity() *identity.Identity {
	return n.id
}

// Store exposes the endpoint store so a signaling handler can record
// coordinator-announced endpoints and NAT types alongside what the
// facade learns from ping/pong traffic directly.
func (n *Node) Store() *endpoint.Store {
	return n.store
}

// Orchestrator exposes the hole-punch orchestrator so a signaling
// handler can drive HandleInvite/HandleExecute from coordinator frames.
func (n *Node) Orchestrator() *holepunch.Orchestrator {
	return n.orchestrator
}

// Relay exposes the relay session manager so a signaling handler can
// allocate a session when the coordinator assigns a relay fallback.
func (n *Node) Relay() *relay.Manager {
	return n.relay
}

// AssignRelay opens a local relay session for a coordinator-assigned
// relay fallback and records the relay's endpoint as how remote is
// reached, so Send/Ping/SendAndReceive transparently route application
// traffic through it until a direct path is learned.
func (n *Node) AssignRelay(sessionID string, remote identity.PeerId, relayEndpoint string) error {
	// The coordinator's relayAssigned frame does not name the relay node's
	// own PeerId, only its endpoint, so the session's Relay field is left
	// unset; this side only ever looks sessions up by Local/Remote.
	if _, err := n.relay.CreateSession(sessionID, n.id.PeerId, remote, ""); err != nil {
		return fmt.Errorf("mesh: create relay session: %w", err)
	}
	if err := n.relay.Activate(sessionID); err != nil {
		return fmt.Errorf("mesh: activate relay session: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", relayEndpoint)
	if err != nil {
		return fmt.Errorf("mesh: relay endpoint %q: %w", relayEndpoint, err)
	}
	n.store.RecordReceived(remote, n.machineID, endpoint.Endpoint(addr.String()), n.endpointMode)
	return nil
}

// MachineID returns the identifier this process uses for itself in the
// endpoint store's (peer, machine) keying.
func (n *Node) MachineID() string {
	return n.machineID
}

// EndpointMode returns the validation mode the node applies to
// discovered endpoints.
func (n *Node) EndpointMode() endpoint.Mode {
	return n.endpointMode
}

func (n *Node) handleProbe(p probe.Probe, from *net.UDPAddr) {
	// An unresolved prefix leaves target empty; the orchestrator then
	// matches the probe by its source address instead.
	target, _ := n.resolveProbeSender(p.SenderIDPrefix)
	n.orchestrator.HandleIncomingProbe(target, p, from)
}

// resolveProbeSender maps a probe's truncated sender prefix back to a full
// PeerId by scanning known peers; the prefix alone is not collision-proof
// but is sufficient given the 8-byte magic already filtered unrelated
// traffic and a real collision across two active punch attempts is
// vanishingly unlikely.
func (n *Node) resolveProbeSender(prefix string) (identity.PeerId, bool) {
	if prefix == "" {
		return "", false
	}
	for _, id := range n.store.AllPeerIds() {
		if strings.HasPrefix(string(id), prefix) {
			return id, true
		}
	}
	return "", false
}

func (n *Node) handleEnvelopeDatagram(data []byte, from *net.UDPAddr) {
	ctx, span := n.sink.StartSpan(context.Background(), "mesh.handleEnvelope")
	defer span.End()

	env, err := envelope.Unmarshal(data)
	if err != nil {
		return
	}
	if !env.FreshnessOK(time.Now()) {
		return
	}
	if n.dedupe.Check(env.MessageID) == envelope.Duplicate {
		return
	}

	var framed framedPayload
	if err := json.Unmarshal(env.Payload, &framed); err != nil {
		return
	}

	// Unknown signing keys are accepted only for the ping bootstrap: a
	// brand-new peer has no other way to be introduced before its first
	// ping/pong round trip populates the keyring.
	pub, known := n.keyring.Lookup(env.FromPeerID)
	if known {
		if !envelope.Verify(env, pub) {
			return
		}
	} else if framed.Type != TypePing {
		return
	}

	n.updateEndpointFromDatagram(ctx, env.FromPeerID, from, framed)
	n.dispatch(env.FromPeerID, from, framed)
}

func (n *Node) updateEndpointFromDatagram(_ context.Context, peer identity.PeerId, from *net.UDPAddr, framed framedPayload) {
	machineID := n.machineID
	switch framed.Type {
	case TypePing:
		var body pingPayload
		if json.Unmarshal(framed.Body, &body) == nil && body.MachineID != "" {
			machineID = body.MachineID
		}
	case TypePong:
		var body pongPayload
		if json.Unmarshal(framed.Body, &body) == nil && body.MachineID != "" {
			machineID = body.MachineID
		}
	default:
		return
	}
	n.store.RecordReceived(peer, machineID, endpoint.Endpoint(from.String()), n.endpointMode)
}

func (n *Node) dispatch(from identity.PeerId, fromAddr *net.UDPAddr, framed framedPayload) {
	switch framed.Type {
	case TypePing:
		n.handlePing(from, fromAddr, framed)
		return
	case TypePong, TypeResponse:
		if n.resolvePending(framed.RequestID, from, fromAddr, framed) {
			return
		}
	}

	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		return
	}
	h(Message{Type: framed.Type, RequestID: framed.RequestID, Body: framed.Body, From: from, FromAddr: fromAddr})
}

func (n *Node) resolvePending(requestID string, from identity.PeerId, fromAddr *net.UDPAddr, framed framedPayload) bool {
	if requestID == "" {
		return false
	}
	n.mu.Lock()
	pr, ok := n.pending[requestID]
	if ok {
		delete(n.pending, requestID)
	}
	n.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pr.replyCh <- Message{Type: framed.Type, RequestID: framed.RequestID, Body: framed.Body, From: from, FromAddr: fromAddr}:
	default:
	}
	return true
}

// handlePing answers ping(recentPeers) with pong(myRecentPeers) truncated
// to 10 entries, sent back to the ping's source address; this is the
// facade's only built-in application behavior.
func (n *Node) handlePing(from identity.PeerId, fromAddr *net.UDPAddr, framed framedPayload) {
	var body pingPayload
	if err := json.Unmarshal(framed.Body, &body); err != nil {
		return
	}

	reply := pongPayload{MachineID: n.machineID, RecentPeers: n.recentPeers()}
	replyBody, err := json.Marshal(reply)
	if err != nil {
		return
	}

	env, err := n.frame(TypePong, framed.RequestID, replyBody, from)
	if err != nil {
		return
	}
	n.sendEnvelope(env, fromAddr)
}

func endpointFromStore(n *Node, peer identity.PeerId) *net.UDPAddr {
	for _, ep := range n.store.AllEndpoints(peer, n.endpointMode) {
		if addr, err := net.ResolveUDPAddr("udp", string(ep)); err == nil {
			return addr
		}
	}
	return nil
}

// recentPeers builds the gossip list attached to outgoing ping/pong
// messages, capped at maxGossipedPeers.
func (n *Node) recentPeers() []RecentPeer {
	var out []RecentPeer
	for _, peer := range n.store.AllPeerIds() {
		if len(out) >= maxGossipedPeers {
			break
		}
		all := n.store.AllEndpoints(peer, n.endpointMode)
		if len(all) == 0 {
			continue
		}
		out = append(out, RecentPeer{PeerID: peer, Endpoint: string(all[0]), NATType: n.store.NATType(peer)})
	}
	return out
}

func (n *Node) frame(msgType, requestID string, body json.RawMessage, to identity.PeerId) (*envelope.Envelope, error) {
	payload := framedPayload{Type: msgType, RequestID: requestID, Body: body}
	return envelope.Sign(n.id, payload, to)
}

func (n *Node) sendEnvelope(env *envelope.Envelope, addr *net.UDPAddr) error {
	if addr == nil {
		return fmt.Errorf("mesh: no known endpoint for %s", env.ToPeerID)
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("mesh: marshal envelope: %w", err)
	}
	return n.transport.SendTo(data, addr)
}

// Ping sends a ping to addr carrying this node's recent-peer gossip list.
func (n *Node) Ping(target identity.PeerId, addr *net.UDPAddr) error {
	body, err := json.Marshal(pingPayload{MachineID: n.machineID, RecentPeers: n.recentPeers()})
	if err != nil {
		return err
	}
	env, err := n.frame(TypePing, "", body, target)
	if err != nil {
		return err
	}
	return n.sendEnvelope(env, addr)
}

// Send delivers an arbitrary application message of msgType to target at
// addr, with no expectation of a reply.
func (n *Node) Send(msgType string, body any, target identity.PeerId, addr *net.UDPAddr) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mesh: marshal body: %w", err)
	}
	env, err := n.frame(msgType, "", raw, target)
	if err != nil {
		return err
	}
	return n.sendEnvelope(env, addr)
}

// Reply answers a received Message with a "response" frame carrying the
// same requestId, letting the original sendAndReceive caller resolve.
func (n *Node) Reply(msg Message, body any) error {
	if msg.RequestID == "" {
		return fmt.Errorf("mesh: cannot reply to a message with no requestId")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mesh: marshal reply body: %w", err)
	}
	env, err := n.frame(TypeResponse, msg.RequestID, raw, msg.From)
	if err != nil {
		return err
	}
	return n.sendEnvelope(env, msg.FromAddr)
}

// SendAndReceive attaches a requestId to msgType/body, sends it to target
// at addr, and blocks until a matching pong/response arrives or timeout
// elapses. A zero timeout uses defaultSendAndReceiveTimeout.
func (n *Node) SendAndReceive(ctx context.Context, msgType string, body any, target identity.PeerId, addr *net.UDPAddr, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = defaultSendAndReceiveTimeout
	}

	requestID, err := randomRequestID()
	if err != nil {
		return Message{}, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("mesh: marshal body: %w", err)
	}
	env, err := n.frame(msgType, requestID, raw, target)
	if err != nil {
		return Message{}, err
	}

	replyCh := make(chan Message, 1)
	n.mu.Lock()
	n.pending[requestID] = pendingRequest{replyCh: replyCh}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, requestID)
		n.mu.Unlock()
	}()

	if err := n.sendEnvelope(env, addr); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, fmt.Errorf("mesh: sendAndReceive timed out waiting for %s", msgType)
	case reply := <-replyCh:
		return reply, nil
	}
}

func randomRequestID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mesh: generate request id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AttachControl starts a control.Server exposing this node's peer and
// status snapshots for operational tooling (the meshcore CLI).
func (n *Node) AttachControl(socketPath, version string) (*control.Server, error) {
	srv, err := control.NewServer(control.ServerConfig{
		SocketPath: socketPath,
		Version:    version,
		GetPeers:   n.peerSnapshots,
		GetPeer:    n.peerSnapshot,
		GetStatus:  n.statusSnapshot,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	n.control = srv
	return srv, nil
}

func (n *Node) peerSnapshots() []control.PeerSnapshot {
	ids := n.store.AllPeerIds()
	out := make([]control.PeerSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.peerSnapshotFor(id))
	}
	return out
}

func (n *Node) peerSnapshot(peerID string) (control.PeerSnapshot, bool) {
	id := identity.PeerId(peerID)
	for _, known := range n.store.AllPeerIds() {
		if known == id {
			return n.peerSnapshotFor(id), true
		}
	}
	return control.PeerSnapshot{}, false
}

func (n *Node) peerSnapshotFor(id identity.PeerId) control.PeerSnapshot {
	all := n.store.AllEndpoints(id, n.endpointMode)
	eps := make([]string, 0, len(all))
	for _, e := range all {
		eps = append(eps, string(e))
	}
	var best string
	if len(all) > 0 {
		best = string(all[0])
	}
	return control.PeerSnapshot{
		PeerID:       string(id),
		BestEndpoint: best,
		NATType:      n.store.NATType(id),
		LastSeen:     time.Now(),
		Endpoints:    eps,
	}
}

func (n *Node) statusSnapshot() control.StatusSnapshot {
	return control.StatusSnapshot{
		PeerID:    string(n.id.PeerId),
		NetworkID: n.networkID,
		Uptime:    time.Since(n.startedAt),
		NATType:   n.store.NATType(n.id.PeerId),
	}
}

// Close stops the control server, if attached, and the underlying
// transport.
func (n *Node) Close() error {
	if n.control != nil {
		n.control.Stop()
	}
	if err := n.transport.Close(); err != nil {
		log.Printf("[Mesh] transport close: %v", err)
		return err
	}
	return nil
}
