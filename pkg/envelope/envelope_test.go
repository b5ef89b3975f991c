package envelope

import (
	"testing"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

func TestSignVerifyRoundTrip(t *testing.T) {
	sender := mustIdentity(t)
	env, err := Sign(sender, map[string]string{"type": "ping"}, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(env, sender.PublicKey) {
		t.Error("envelope did not verify against signer's public key")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	sender := mustIdentity(t)
	env, err := Sign(sender, map[string]string{"type": "ping"}, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env.Payload = []byte(`{"type":"tampered"}`)
	if Verify(env, sender.PublicKey) {
		t.Error("tampered envelope verified successfully")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	sender := mustIdentity(t)
	other := mustIdentity(t)
	env, err := Sign(sender, map[string]string{"type": "ping"}, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if Verify(env, other.PublicKey) {
		t.Error("envelope verified against an unrelated public key")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	sender := mustIdentity(t)
	env, err := Sign(sender, map[string]string{"type": "ping"}, "peer-b")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.MessageID != env.MessageID || decoded.ToPeerID != env.ToPeerID {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, env)
	}
	if !Verify(decoded, sender.PublicKey) {
		t.Error("round-tripped envelope failed verification")
	}
}

func TestFreshnessOK(t *testing.T) {
	now := time.Now()
	fresh := Envelope{Timestamp: now.Add(-time.Minute).UnixMilli()}
	if !fresh.FreshnessOK(now) {
		t.Error("one-minute-old envelope should be fresh")
	}

	stale := Envelope{Timestamp: now.Add(-1 * time.Hour).UnixMilli()}
	if stale.FreshnessOK(now) {
		t.Error("one-hour-old envelope should not be fresh")
	}

	future := Envelope{Timestamp: now.Add(1 * time.Hour).UnixMilli()}
	if future.FreshnessOK(now) {
		t.Error("far-future envelope should not be fresh")
	}
}

func TestDedupeFirstSeenIsFreshThenDuplicate(t *testing.T) {
	d := NewDedupe()
	if got := d.Check("msg-1"); got != Fresh {
		t.Errorf("first Check = %v, want Fresh", got)
	}
	if got := d.Check("msg-1"); got != Duplicate {
		t.Errorf("second Check = %v, want Duplicate", got)
	}
	if got := d.Check("msg-2"); got != Fresh {
		t.Errorf("Check of distinct id = %v, want Fresh", got)
	}
}

func TestDedupeEvictsOldestHalfWhenFull(t *testing.T) {
	d := NewDedupe()
	for i := 0; i < maxDedupeEntries; i++ {
		d.Check(idFor(i))
	}
	if d.Len() != maxDedupeEntries {
		t.Fatalf("Len = %d, want %d", d.Len(), maxDedupeEntries)
	}

	// One more insert should trigger eviction of the oldest half.
	d.Check(idFor(maxDedupeEntries))
	if d.Len() >= maxDedupeEntries {
		t.Errorf("Len after overflow = %d, want < %d", d.Len(), maxDedupeEntries)
	}

	// The oldest entries should now be gone, the newest should remain.
	if got := d.Check(idFor(0)); got != Fresh {
		t.Error("evicted entry should be treated as fresh again")
	}
	if got := d.Check(idFor(maxDedupeEntries)); got != Duplicate {
		t.Error("most recently inserted entry should still be tracked")
	}
}

func idFor(i int) string {
	return time.Unix(int64(i), 0).Format(time.RFC3339Nano)
}
