package endpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/identity"
)

func newTestStore(t *testing.T) (*Store, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, filepath.Join(dir, "endpoints.json"), "test-network", "", events.NewSink("endpoint-test"))
	return s, cancel
}

func TestRecordReceivedPromotesToFront(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	peer := identity.PeerId("peer1")
	s.RecordReceived(peer, "machineA", "203.0.113.1:51820", Strict)
	s.RecordReceived(peer, "machineA", "203.0.113.2:51820", Strict)
	s.RecordReceived(peer, "machineA", "203.0.113.1:51820", Strict) // re-promote

	got := s.Endpoints(peer, "machineA", Strict)
	if len(got) != 2 {
		t.Fatalf("Endpoints = %v, want 2 entries", got)
	}
	if got[0] != "203.0.113.1:51820" {
		t.Errorf("front = %q, want most recently seen endpoint", got[0])
	}
}

func TestRecordReceivedRejectsInvalidEndpoint(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	peer := identity.PeerId("peer1")
	s.RecordReceived(peer, "machineA", "127.0.0.1:51820", Permissive)

	if got := s.Endpoints(peer, "machineA", Permissive); len(got) != 0 {
		t.Fatalf("Endpoints = %v, want none recorded for invalid endpoint", got)
	}
}

func TestBestEndpointPrefersIPv6(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	peer := identity.PeerId("peer1")
	s.RecordReceived(peer, "machineA", "203.0.113.1:51820", Strict)
	s.RecordReceived(peer, "machineA", "[2001:db8::1]:51820", Strict)

	best, ok := s.BestEndpoint(peer, "machineA", Strict)
	if !ok {
		t.Fatal("BestEndpoint returned ok=false")
	}
	if !IsIPv6(best) {
		t.Errorf("BestEndpoint = %q, want an IPv6 endpoint", best)
	}
}

func TestAllEndpointsDeduplicatesAcrossMachines(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	peer := identity.PeerId("peer1")
	s.RecordReceived(peer, "machineA", "203.0.113.1:51820", Strict)
	s.RecordReceived(peer, "machineB", "203.0.113.1:51820", Strict)
	s.RecordReceived(peer, "machineB", "203.0.113.2:51820", Strict)

	all := s.AllEndpoints(peer, Strict)
	if len(all) != 2 {
		t.Fatalf("AllEndpoints = %v, want 2 deduplicated entries", all)
	}
}

func TestAllPeerIdsSortedByRecency(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	s.RecordReceived(identity.PeerId("older"), "m", "203.0.113.1:51820", Strict)
	time.Sleep(2 * time.Millisecond)
	s.RecordReceived(identity.PeerId("newer"), "m", "203.0.113.2:51820", Strict)

	ids := s.AllPeerIds()
	if len(ids) != 2 || ids[0] != "newer" || ids[1] != "older" {
		t.Fatalf("AllPeerIds = %v, want [newer older]", ids)
	}
}

func TestUpdateNATTypeIgnoresUnknown(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	peer := identity.PeerId("peer1")
	s.UpdateNATType(peer, "fullCone")
	s.UpdateNATType(peer, "unknown")

	if got := s.NATType(peer); got != "fullCone" {
		t.Errorf("NATType = %q, want fullCone to survive an unknown update", got)
	}
}

func TestPersistenceRoundTripsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")

	ctx1, cancel1 := context.WithCancel(context.Background())
	s1 := New(ctx1, path, "test-network", "", events.NewSink("endpoint-test"))
	peer := identity.PeerId("peer1")
	s1.RecordReceived(peer, "machineA", "203.0.113.1:51820", Strict)
	s1.exec(func(state *storeState) {
		s1.persister.save(state.machines)
	})
	cancel1()
	s1.Stop()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	s2 := New(ctx2, path, "test-network", "", events.NewSink("endpoint-test"))

	got := s2.Endpoints(peer, "machineA", Strict)
	if len(got) != 1 || got[0] != "203.0.113.1:51820" {
		t.Fatalf("Endpoints after reload = %v, want persisted endpoint", got)
	}
}

func TestPersistenceDiscardsOnNetworkIDMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")

	ctx1, cancel1 := context.WithCancel(context.Background())
	s1 := New(ctx1, path, "network-a", "", events.NewSink("endpoint-test"))
	peer := identity.PeerId("peer1")
	s1.RecordReceived(peer, "machineA", "203.0.113.1:51820", Strict)
	s1.exec(func(state *storeState) {
		s1.persister.save(state.machines)
	})
	cancel1()
	s1.Stop()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	s2 := New(ctx2, path, "network-b", "", events.NewSink("endpoint-test"))

	if got := s2.Endpoints(peer, "machineA", Strict); len(got) != 0 {
		t.Fatalf("Endpoints = %v, want empty after network ID mismatch discards the file", got)
	}
}
