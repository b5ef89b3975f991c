package probe

import "testing"

func TestSerializeParseRoundTrip(t *testing.T) {
	p := Probe{
		Sequence:       42,
		TimestampMilli: 1700000000000,
		SenderIDPrefix: "abc123",
		IsResponse:     true,
	}

	data := Serialize(p)
	if len(data) != Size {
		t.Fatalf("serialized length = %d, want %d", len(data), Size)
	}

	got, ok := Parse(data)
	if !ok {
		t.Fatal("Parse returned ok=false for well-formed packet")
	}
	if got != p {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestSenderIDPrefixTruncatedAndZeroTrimmed(t *testing.T) {
	p := Probe{SenderIDPrefix: "this-is-longer-than-sixteen-bytes"}
	data := Serialize(p)
	got, ok := Parse(data)
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if len(got.SenderIDPrefix) != 16 {
		t.Errorf("truncated prefix length = %d, want 16", len(got.SenderIDPrefix))
	}

	short := Probe{SenderIDPrefix: "abc"}
	data = Serialize(short)
	got, ok = Parse(data)
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.SenderIDPrefix != "abc" {
		t.Errorf("SenderIDPrefix = %q, want %q (zero padding should be trimmed)", got.SenderIDPrefix, "abc")
	}
}

func TestParseRejectsShortPacket(t *testing.T) {
	data := Serialize(Probe{Sequence: 1})
	if _, ok := Parse(data[:Size-1]); ok {
		t.Error("Parse accepted a packet one byte shorter than Size")
	}
}

func TestParseRejectsWrongMagic(t *testing.T) {
	data := Serialize(Probe{Sequence: 1})
	data[0] ^= 0xFF
	if _, ok := Parse(data); ok {
		t.Error("Parse accepted a packet with corrupted magic")
	}
}

func TestIsHolePunchProbe(t *testing.T) {
	data := Serialize(Probe{})
	if !IsHolePunchProbe(data) {
		t.Error("IsHolePunchProbe should accept a well-formed probe")
	}
	if IsHolePunchProbe([]byte("short")) {
		t.Error("IsHolePunchProbe should reject input shorter than the magic")
	}
	other := []byte("NOTPROBE_garbage_padding_bytes_xx")
	if IsHolePunchProbe(other) {
		t.Error("IsHolePunchProbe should reject mismatched magic")
	}
}
