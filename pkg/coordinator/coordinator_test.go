package coordinator

import (
	"net"
	"testing"

	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/stun"
)

type fakeDirectory struct {
	endpoints map[identity.PeerId]*net.UDPAddr
	natTypes  map[identity.PeerId]stun.NATType
}

func (f *fakeDirectory) Lookup(peer identity.PeerId) (*net.UDPAddr, stun.NATType, bool) {
	ep, ok := f.endpoints[peer]
	if !ok {
		return nil, "", false
	}
	return ep, f.natTypes[peer], true
}

type fakeDispatcher struct {
	invites  []identity.PeerId
	executes []identity.PeerId
}

func (f *fakeDispatcher) SendInvite(target, from identity.PeerId, fromEndpoint *net.UDPAddr, fromNATType stun.NATType) error {
	f.invites = append(f.invites, target)
	return nil
}

func (f *fakeDispatcher) SendExecute(to, targetPeer identity.PeerId, targetEndpoint *net.UDPAddr, simultaneous bool) error {
	f.executes = append(f.executes, to)
	return nil
}

func TestHandleRequestRejectsUnknownTarget(t *testing.T) {
	dir := &fakeDirectory{endpoints: map[identity.PeerId]*net.UDPAddr{}, natTypes: map[identity.PeerId]stun.NATType{}}
	dispatch := &fakeDispatcher{}
	svc := New(dir, dispatch)

	err := svc.HandleRequest("initiator", "target", &net.UDPAddr{}, stun.NATFullCone)
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestHandleRequestRejectsBothSymmetric(t *testing.T) {
	target := identity.PeerId("target")
	dir := &fakeDirectory{
		endpoints: map[identity.PeerId]*net.UDPAddr{target: {IP: net.ParseIP("203.0.113.2"), Port: 1}},
		natTypes:  map[identity.PeerId]stun.NATType{target: stun.NATSymmetric},
	}
	dispatch := &fakeDispatcher{}
	svc := New(dir, dispatch)

	err := svc.HandleRequest("initiator", target, &net.UDPAddr{}, stun.NATSymmetric)
	if err == nil {
		t.Fatal("expected error for symmetric-symmetric pairing")
	}
}

func TestHandleRequestDispatchesInviteAndExecute(t *testing.T) {
	target := identity.PeerId("target")
	dir := &fakeDirectory{
		endpoints: map[identity.PeerId]*net.UDPAddr{target: {IP: net.ParseIP("203.0.113.2"), Port: 51820}},
		natTypes:  map[identity.PeerId]stun.NATType{target: stun.NATFullCone},
	}
	dispatch := &fakeDispatcher{}
	svc := New(dir, dispatch)

	if err := svc.HandleRequest("initiator", target, &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 51820}, stun.NATFullCone); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if len(dispatch.invites) != 1 || len(dispatch.executes) != 1 {
		t.Fatalf("invites=%v executes=%v, want one each", dispatch.invites, dispatch.executes)
	}
}

func TestHandleRequestRejectsAtCapacity(t *testing.T) {
	target := identity.PeerId("target")
	dir := &fakeDirectory{
		endpoints: map[identity.PeerId]*net.UDPAddr{target: {IP: net.ParseIP("203.0.113.2"), Port: 51820}},
		natTypes:  map[identity.PeerId]stun.NATType{target: stun.NATFullCone},
	}
	dispatch := &fakeDispatcher{}
	svc := New(dir, dispatch)
	svc.maxConcurrent = 0

	if err := svc.HandleRequest("initiator", target, &net.UDPAddr{}, stun.NATFullCone); err == nil {
		t.Fatal("expected capacity rejection")
	}
}
