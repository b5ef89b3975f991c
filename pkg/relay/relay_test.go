package relay

import (
	"testing"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/stun"
)

func TestCreateSessionRejectsAtCapacity(t *testing.T) {
	m := NewManager(time.Minute)
	m.maxSessions = 1

	s1, err := m.CreateSession("s1", "a", "b", "relay1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.Activate(s1.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if _, err := m.CreateSession("s2", "a", "c", "relay1"); err != ErrAtCapacity {
		t.Fatalf("CreateSession second = %v, want ErrAtCapacity", err)
	}
}

func TestRecordOutgoingNoopWhenNotActive(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.CreateSession("s1", "a", "b", "relay1")

	m.RecordOutgoing(s.ID, 100)
	if s.BytesOut != 0 {
		t.Errorf("BytesOut = %d, want 0 while pending", s.BytesOut)
	}

	m.Activate(s.ID)
	m.RecordOutgoing(s.ID, 100)
	if s.BytesOut != 100 {
		t.Errorf("BytesOut = %d, want 100 after activation", s.BytesOut)
	}
}

func TestEvictIdleClosesStaleActiveSessions(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	s, _ := m.CreateSession("s1", "a", "b", "relay1")
	m.Activate(s.ID)

	time.Sleep(20 * time.Millisecond)
	m.EvictIdle()

	if s.State != StateClosed {
		t.Errorf("State = %s, want closed after idle eviction", s.State)
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.CreateSession("s1", "a", "b", "relay1")

	if err := m.BeginClosing(s.ID); err == nil {
		t.Fatal("BeginClosing from pending should be rejected")
	}
	if s.State != StatePending {
		t.Errorf("State = %s, want pending unchanged after rejected transition", s.State)
	}

	if err := m.Close(s.ID); err != nil {
		t.Fatalf("Close from pending: %v", err)
	}
	if err := m.Activate(s.ID); err == nil {
		t.Fatal("Activate from closed should be rejected")
	}
	if s.State != StateClosed {
		t.Errorf("State = %s, want closed unchanged after rejected transition", s.State)
	}
}

func TestScoreMonotonicity(t *testing.T) {
	base := Candidate{RTT: 100 * time.Millisecond, IsDirect: false, NATType: stun.NATRestrictedCone, AvailableCapacity: 10}
	lowerRTT := base
	lowerRTT.RTT = 10 * time.Millisecond
	if Score(lowerRTT) <= Score(base) {
		t.Error("lower RTT should score strictly higher")
	}

	direct := base
	direct.IsDirect = true
	if Score(direct) <= Score(base) {
		t.Error("direct should score strictly higher")
	}

	betterNAT := base
	betterNAT.NATType = stun.NATFullCone
	if Score(betterNAT) <= Score(base) {
		t.Error("more permissive NAT should score strictly higher")
	}

	moreCapacity := base
	moreCapacity.AvailableCapacity = 100
	if Score(moreCapacity) <= Score(base) {
		t.Error("higher capacity should score strictly higher")
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	key := []byte("shared-relay-key")
	holder := identity.PeerId("peer1")
	token := IssueToken(key, holder, "session1")

	if !ValidateToken(key, holder, "session1", token) {
		t.Fatal("ValidateToken rejected a freshly issued token")
	}
	if ValidateToken(key, "other-peer", "session1", token) {
		t.Fatal("ValidateToken accepted token for wrong holder")
	}
	if ValidateToken(key, holder, "session2", token) {
		t.Fatal("ValidateToken accepted token for wrong session")
	}
	if ValidateToken([]byte("wrong-key"), holder, "session1", token) {
		t.Fatal("ValidateToken accepted token under wrong key")
	}
}
