package endpoint

import "testing"

func TestValidRejectsMalformed(t *testing.T) {
	cases := []Endpoint{"not-an-endpoint", "1.2.3.4", "1.2.3.4:0", "1.2.3.4:70000", "host:abc"}
	for _, c := range cases {
		if Valid(c, Permissive) {
			t.Errorf("Valid(%q, Permissive) = true, want false", c)
		}
	}
}

func TestValidRejectsLoopbackLinkLocalAndMulticast(t *testing.T) {
	cases := []Endpoint{"127.0.0.1:51820", "[::1]:51820", "169.254.1.1:51820", "224.0.0.1:51820", "0.0.0.0:51820"}
	for _, c := range cases {
		if Valid(c, Permissive) {
			t.Errorf("Valid(%q, Permissive) = true, want false", c)
		}
	}
}

func TestValidStrictRejectsPrivateRanges(t *testing.T) {
	cases := []Endpoint{"10.0.0.1:51820", "172.16.0.1:51820", "192.168.1.1:51820", "[fd00::1]:51820"}
	for _, c := range cases {
		if Valid(c, Strict) {
			t.Errorf("Valid(%q, Strict) = true, want false", c)
		}
		if !Valid(c, Permissive) {
			t.Errorf("Valid(%q, Permissive) = false, want true", c)
		}
	}
}

func TestValidAcceptsPublicEndpoints(t *testing.T) {
	cases := []Endpoint{"203.0.113.5:51820", "[2001:db8::1]:51820"}
	for _, c := range cases {
		if !Valid(c, Strict) {
			t.Errorf("Valid(%q, Strict) = false, want true", c)
		}
	}
}

func TestFilterValidDropsInvalidEntries(t *testing.T) {
	in := []Endpoint{"203.0.113.5:51820", "127.0.0.1:1", "10.0.0.1:51820"}
	out := FilterValid(in, Strict)
	if len(out) != 1 || out[0] != "203.0.113.5:51820" {
		t.Fatalf("FilterValid = %v, want single public endpoint", out)
	}
}

func TestIsIPv6(t *testing.T) {
	if IsIPv6("203.0.113.5:51820") {
		t.Error("IsIPv6 true for IPv4 endpoint")
	}
	if !IsIPv6("[2001:db8::1]:51820") {
		t.Error("IsIPv6 false for IPv6 endpoint")
	}
}
