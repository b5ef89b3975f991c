package mesh

import (
	"encoding/json"
	"net"

	"github.com/meshcore/meshcore/pkg/identity"
)

// MessageType discriminates an envelope's payload shape. Application code
// registers handlers for its own types; "ping"/"pong" are handled by the
// facade itself as a bootstrap/liveness mechanism, and "response" resolves
// a sendAndReceive continuation.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeResponse = "response"
)

// framedPayload is the actual JSON carried in every Envelope.Payload: a
// type discriminator plus an optional requestId, used to correlate
// sendAndReceive calls with their eventual pong/response.
type framedPayload struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Message is the decoded, typed view of an envelope's payload that
// application handlers receive.
type Message struct {
	Type      string
	RequestID string
	Body      json.RawMessage
	From      identity.PeerId
	FromAddr  *net.UDPAddr
}

// pingPayload carries the sender's recently-seen peers. A receiving Node
// records only the sender's own endpoint; it does not add the RecentPeers
// entries to its endpoint store. MachineID identifies the sending instance, since the envelope's wire
// format carries no field for it.
type pingPayload struct {
	MachineID   string       `json:"machineId"`
	RecentPeers []RecentPeer `json:"recentPeers"`
}

type pongPayload struct {
	MachineID   string       `json:"machineId"`
	RecentPeers []RecentPeer `json:"recentPeers"`
}

// RecentPeer is one entry in a ping/pong gossip list: a peer's ID, its
// front endpoint and its NAT type as the sender knows them.
type RecentPeer struct {
	PeerID   identity.PeerId `json:"peerId"`
	Endpoint string          `json:"endpoint"`
	NATType  string          `json:"natType,omitempty"`
}

// maxGossipedPeers bounds how many entries a ping/pong carries, keeping the
// bootstrap message small regardless of mesh size.
const maxGossipedPeers = 10
