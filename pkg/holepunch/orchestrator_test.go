package holepunch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/probe"
	"github.com/meshcore/meshcore/pkg/stun"
)

type fakeCoordinator struct {
	requests []identity.PeerId
	results  []bool
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{}
}

func (f *fakeCoordinator) RequestConnection(ctx context.Context, target identity.PeerId, myPublicKey string) error {
	f.requests = append(f.requests, target)
	return nil
}

func (f *fakeCoordinator) SendHolePunchResult(ctx context.Context, target identity.PeerId, success bool, actualEndpoint *net.UDPAddr) error {
	f.results = append(f.results, success)
	return nil
}

func newTestOrchestrator(signal coordinatorTransport) *Orchestrator {
	fs := &fakeSender{}
	engine := New(fs, "abcd1234", events.NewSink("orchestrator-test"), Tuning{
		ProbeCount: 5, ProbeInterval: 5 * time.Millisecond, Timeout: 200 * time.Millisecond, ResponseProbeCount: 3,
	})
	o := NewOrchestrator(engine, signal, events.NewSink("orchestrator-test"))
	o.probeTTL = 300 * time.Millisecond
	return o
}

func TestEstablishDirectConnectionIPv6FastPath(t *testing.T) {
	o := newTestOrchestrator(newFakeCoordinator())
	target := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51820}

	result, err := o.EstablishDirectConnection(context.Background(), "peerA", target, stun.NATUnknown, stun.NATUnknown, "pubkey")
	if err != nil {
		t.Fatalf("EstablishDirectConnection: %v", err)
	}
	if !result.Success || result.Endpoint != target {
		t.Fatalf("expected immediate IPv6 success, got %+v", result)
	}
}

func TestEstablishDirectConnectionBothSymmetricFailsFast(t *testing.T) {
	o := newTestOrchestrator(newFakeCoordinator())
	target := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 51820}

	result, err := o.EstablishDirectConnection(context.Background(), "peerA", target, stun.NATSymmetric, stun.NATSymmetric, "pubkey")
	if err != nil {
		t.Fatalf("EstablishDirectConnection: %v", err)
	}
	if result.Success || result.Reason != ReasonBothSymmetric {
		t.Fatalf("expected ReasonBothSymmetric, got %+v", result)
	}
}

func TestEstablishDirectConnectionTimesOutWithNoExecute(t *testing.T) {
	o := newTestOrchestrator(newFakeCoordinator())
	o.probeTTL = 30 * time.Millisecond
	target := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 51820}

	result, err := o.EstablishDirectConnection(context.Background(), "peerA", target, stun.NATRestrictedCone, stun.NATRestrictedCone, "pubkey")
	if err != nil {
		t.Fatalf("EstablishDirectConnection: %v", err)
	}
	if result.Success || result.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", result)
	}
	o.mu.Lock()
	_, waiting := o.waiters["peerA"]
	_, feeding := o.feeds["peerA"]
	o.mu.Unlock()
	if waiting || feeding {
		t.Error("waiter/feed entries were not cleaned up after timeout")
	}
}

func TestHandleExecuteWakesWaitingEstablishCall(t *testing.T) {
	coord := newFakeCoordinator()
	o := newTestOrchestrator(coord)
	target := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}

	resultCh := make(chan HolePunchResult, 1)
	go func() {
		r, err := o.EstablishDirectConnection(context.Background(), "peerB", target, stun.NATRestrictedCone, stun.NATRestrictedCone, "pubkey")
		if err != nil {
			t.Errorf("EstablishDirectConnection: %v", err)
		}
		resultCh <- r
	}()

	// Give EstablishDirectConnection time to register its waiter/feed before
	// the coordinator-driven execute directive arrives.
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		o.HandleIncomingProbe("peerB", probe.Probe{Sequence: 1}, target)
	}()
	o.HandleExecute(context.Background(), "peerB", target, true)

	select {
	case r := <-resultCh:
		if !r.Success {
			t.Fatalf("expected success, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("EstablishDirectConnection never woke up after HandleExecute")
	}
	if len(coord.results) != 1 || !coord.results[0] {
		t.Errorf("coordinator results = %v, want one success", coord.results)
	}
}

func TestHandleIncomingProbeDropsWhenNoFeedRegistered(t *testing.T) {
	o := newTestOrchestrator(newFakeCoordinator())
	// No EstablishDirectConnection/HandleExecute has registered a feed for
	// this target; the call must not block or panic.
	o.HandleIncomingProbe("nobody", probe.Probe{Sequence: 1}, &net.UDPAddr{})
}

func TestHandleInviteRespondsAsResponder(t *testing.T) {
	coord := newFakeCoordinator()
	o := newTestOrchestrator(coord)
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}

	go func() {
		time.Sleep(10 * time.Millisecond)
		o.HandleIncomingProbe("peerC", probe.Probe{Sequence: 1}, from)
	}()
	o.HandleInvite(context.Background(), "peerC", from, stun.NATSymmetric, stun.NATFullCone)

	if len(coord.results) != 1 || !coord.results[0] {
		t.Errorf("coordinator results = %v, want one success", coord.results)
	}
}

func TestHandleInviteSkipsIncompatiblePair(t *testing.T) {
	coord := newFakeCoordinator()
	o := newTestOrchestrator(coord)
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}

	o.HandleInvite(context.Background(), "peerD", from, stun.NATSymmetric, stun.NATSymmetric)

	if len(coord.results) != 0 {
		t.Errorf("expected no result reported for an incompatible pair, got %v", coord.results)
	}
}
