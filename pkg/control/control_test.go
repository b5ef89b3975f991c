package control

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	srv, err := NewServer(ServerConfig{
		SocketPath: socketPath,
		Version:    "test",
		GetPeers: func() []PeerSnapshot {
			return []PeerSnapshot{{PeerID: "peer1", BestEndpoint: "203.0.113.1:51820", NATType: "fullCone", LastSeen: time.Now(), Endpoints: []string{"203.0.113.1:51820"}}}
		},
		GetPeer: func(peerID string) (PeerSnapshot, bool) {
			if peerID == "peer1" {
				return PeerSnapshot{PeerID: "peer1", BestEndpoint: "203.0.113.1:51820"}, true
			}
			return PeerSnapshot{}, false
		},
		GetStatus: func() StatusSnapshot {
			return StatusSnapshot{PeerID: "self", NetworkID: "net1", Uptime: time.Minute, NATType: "fullCone"}
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestListPeers(t *testing.T) {
	_, client := newTestServer(t)

	result, err := client.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(result.Peers) != 1 || result.Peers[0].PeerID != "peer1" {
		t.Fatalf("ListPeers = %+v, want one peer1 entry", result.Peers)
	}
}

func TestGetPeerNotFound(t *testing.T) {
	_, client := newTestServer(t)

	if _, err := client.GetPeer("missing"); err == nil {
		t.Fatal("GetPeer(missing) succeeded, want error")
	}
}

func TestNodeStatusAndPing(t *testing.T) {
	_, client := newTestServer(t)

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PeerID != "self" || status.NetworkID != "net1" {
		t.Errorf("Status = %+v, want self/net1", status)
	}

	pong, err := client.Ping()
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !pong.Pong {
		t.Error("Ping did not report pong=true")
	}
}
