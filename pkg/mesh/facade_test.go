package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/meshcore/meshcore/pkg/endpoint"
	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/holepunch"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/transport"
)

func hexPub(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

type noopSignal struct{}

func (noopSignal) RequestConnection(ctx context.Context, target identity.PeerId, myPublicKey string) error {
	return nil
}
func (noopSignal) SendHolePunchResult(ctx context.Context, target identity.PeerId, success bool, actualEndpoint *net.UDPAddr) error {
	return nil
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	sink := events.NewSink("test")

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	tr, err := transport.Bind(0, sink)
	if err != nil {
		t.Fatalf("transport.Bind: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	store := endpoint.New(ctx, t.TempDir()+"/endpoints.json", "net1", t.TempDir()+"/legacy.json", sink)
	t.Cleanup(func() {
		cancel()
		store.Stop()
	})

	engine := holepunch.New(tr, string(id.PeerId), sink, holepunch.DefaultTuning)
	orch := holepunch.NewOrchestrator(engine, noopSignal{}, sink)

	return New(Config{
		Identity:     id,
		MachineID:    "machine-" + string(id.PeerId[:6]),
		NetworkID:    "net1",
		Transport:    tr,
		Store:        store,
		Orchestrator: orch,
		Sink:         sink,
		EndpointMode: endpoint.Permissive,
	})
}

func nodeUDPAddr(t *testing.T, n *Node) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", n.transport.PacketConn().LocalAddr().String())
	if err != nil {
		t.Fatalf("resolve local addr: %v", err)
	}
	return addr
}

func TestPingPongUpdatesEndpointStore(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	// Each side learns the other's key out of band, mimicking what the
	// coordinator's PeerEndpoint announcement would otherwise provide.
	a.Keyring().Learn(b.id.PeerId, hexPub(b.id.PublicKey))
	b.Keyring().Learn(a.id.PeerId, hexPub(a.id.PublicKey))

	received := make(chan Message, 1)
	b.SetHandler(func(msg Message) {
		received <- msg
	})

	if err := a.Ping(b.id.PeerId, nodeUDPAddr(t, b)); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	select {
	case <-received:
		t.Fatal("ping should be handled internally, not forwarded to the application handler")
	case <-time.After(200 * time.Millisecond):
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(a.store.AllEndpoints(b.id.PeerId, endpoint.Permissive)) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pong to update a's endpoint store")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendAndReceiveResolvesOnResponse(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	a.Keyring().Learn(b.id.PeerId, hexPub(b.id.PublicKey))
	b.Keyring().Learn(a.id.PeerId, hexPub(a.id.PublicKey))

	b.SetHandler(func(msg Message) {
		if msg.Type != "echo-request" {
			return
		}
		b.Reply(msg, map[string]string{"ok": "yes"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := a.SendAndReceive(ctx, "echo-request", map[string]string{"hello": "world"}, b.id.PeerId, nodeUDPAddr(t, b), time.Second)
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if reply.Type != TypeResponse {
		t.Fatalf("reply.Type = %q, want %q", reply.Type, TypeResponse)
	}
}

func TestUnknownSenderRejectedExceptPing(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	received := make(chan Message, 1)
	b.SetHandler(func(msg Message) { received <- msg })

	// b does not know a's key yet; a non-ping message must be dropped.
	if err := a.Send("chatter", map[string]string{"x": "y"}, b.id.PeerId, nodeUDPAddr(t, b)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-received:
		t.Fatal("message from unknown signer should have been dropped")
	case <-time.After(200 * time.Millisecond):
	}
}
