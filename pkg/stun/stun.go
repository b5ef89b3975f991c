// Package stun implements a minimal RFC 5389 STUN client used to discover
// a node's server-reflexive address and classify the NAT it sits behind.
package stun

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// STUN constants per RFC 5389 and RFC 5780 (CHANGE-REQUEST).
const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442
	headerSize      = 20

	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
	attrChangeRequest    = 0x0003

	changeIPFlag   = 0x04
	changePortFlag = 0x02
)

var tracer = otel.Tracer("meshcore.stun")

// DefaultServers are public, free STUN servers used when none are configured.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// NATType classifies the NAT behavior observed via STUN, following the
// classic "NAT Behavior Discovery" taxonomy (RFC 4787 §2.5 terminology).
type NATType string

const (
	// NATUnknown means classification could not be completed (network
	// errors, or only one server reachable in a way that still leaves the
	// filtering behavior undetermined).
	NATUnknown NATType = "unknown"
	// NATPublic means the reflexive address equals the local bound
	// address: there is no NAT translating this host's traffic.
	NATPublic NATType = "public"
	// NATFullCone means any external host can reach the mapped
	// endpoint-independent port.
	NATFullCone NATType = "fullCone"
	// NATRestrictedCone means only hosts the internal endpoint has sent
	// to can reach it back, regardless of their source port.
	NATRestrictedCone NATType = "restrictedCone"
	// NATPortRestrictedCone additionally restricts by source port.
	NATPortRestrictedCone NATType = "portRestrictedCone"
	// NATSymmetric means the external mapping changes per destination;
	// hole punching without a relay is unreliable.
	NATSymmetric NATType = "symmetric"
)

// IsConeType reports whether t belongs to the cone family (public, full,
// restricted, or port-restricted), as opposed to symmetric or unknown.
func (t NATType) IsConeType() bool {
	switch t {
	case NATPublic, NATFullCone, NATRestrictedCone, NATPortRestrictedCone:
		return true
	default:
		return false
	}
}

// IsDirectlyReachable reports whether a peer of this NAT type can be
// dialed without any prior outbound traffic establishing a mapping.
func (t NATType) IsDirectlyReachable() bool {
	return t == NATPublic || t == NATFullCone
}

// CanHolePunch reports whether this NAT type can participate in UDP hole
// punching at all (symmetric NATs still can, paired against a cone peer;
// only unknown is truly hopeless without a fresh probe).
func (t NATType) CanHolePunch() bool {
	return t != NATUnknown
}

// Difficulty scores how hard this NAT type is to traverse, in [0,10],
// used to pick an initiator in hole-punch strategy selection (the less
// difficult side initiates).
func (t NATType) Difficulty() int {
	switch t {
	case NATPublic:
		return 0
	case NATFullCone:
		return 2
	case NATRestrictedCone:
		return 4
	case NATPortRestrictedCone:
		return 6
	case NATSymmetric:
		return 9
	default:
		return 10
	}
}

// Result is the outcome of a full NAT classification pass.
type Result struct {
	Type         NATType
	ExternalIP   net.IP
	ExternalPort int
}

// buildBindingRequest creates a minimal STUN Binding Request: 20-byte
// header (type, length, magic cookie, transaction ID) plus an optional
// CHANGE-REQUEST attribute.
func buildBindingRequest(changeIP, changePort bool) []byte {
	var attrs []byte
	if changeIP || changePort {
		attrs = make([]byte, 8)
		binary.BigEndian.PutUint16(attrs[0:2], attrChangeRequest)
		binary.BigEndian.PutUint16(attrs[2:4], 4)
		var flags uint32
		if changeIP {
			flags |= changeIPFlag
		}
		if changePort {
			flags |= changePortFlag
		}
		binary.BigEndian.PutUint32(attrs[4:8], flags)
	}

	req := make([]byte, headerSize+len(attrs))
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], uint16(len(attrs)))
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	rand.Read(req[8:20])
	copy(req[20:], attrs)
	return req
}

// parseBindingResponse extracts the external IP and port, validating the
// magic cookie and transaction ID to reject spoofed responses.
func parseBindingResponse(data []byte, txnID [12]byte) (net.IP, int, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("stun: response too short: %d bytes", len(data))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != bindingResponse {
		return nil, 0, fmt.Errorf("stun: unexpected message type 0x%04x", msgType)
	}

	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != magicCookie {
		return nil, 0, fmt.Errorf("stun: invalid magic cookie 0x%08x", cookie)
	}

	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return nil, 0, fmt.Errorf("stun: transaction ID mismatch")
	}

	attrLen := binary.BigEndian.Uint16(data[2:4])
	if int(attrLen) > len(data)-headerSize {
		return nil, 0, fmt.Errorf("stun: attribute length %d exceeds data", attrLen)
	}

	attrs := data[headerSize : headerSize+int(attrLen)]

	var mappedIP net.IP
	var mappedPort int

	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := binary.BigEndian.Uint16(attrs[2:4])
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if int(4+valLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case attrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txnID); err == nil {
				return ip, port, nil
			}
		case attrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP, mappedPort = ip, port
			}
		}

		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("stun: no mapped address in response")
}

func parseXORMappedAddress(val []byte, txnID [12]byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS too short")
	}
	family := val[1]
	xorPort := binary.BigEndian.Uint16(val[2:4])
	port := int(xorPort ^ uint16(magicCookie>>16))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS IPv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS IPv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txnID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS IPv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS IPv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// Client performs STUN queries from a single bound local UDP socket, so
// that consecutive queries can be compared to classify NAT filtering
// behavior.
type Client struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on localPort (0 for any free port).
func Bind(localPort int) (*Client, error) {
	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("stun: bind UDP: %w", err)
	}
	return &Client{conn: conn}, nil
}

// LocalPort returns the bound local UDP port.
func (c *Client) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// query sends a binding request to server, optionally asking it (via
// CHANGE-REQUEST) to reply from a different IP and/or port, and returns
// the mapped address it reports.
func (c *Client) query(server string, timeout time.Duration, changeIP, changePort bool) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: resolve %q: %w", server, err)
	}

	req := buildBindingRequest(changeIP, changePort)
	var txnID [12]byte
	copy(txnID[:], req[8:20])

	if _, err := c.conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("stun: send to %s: %w", server, err)
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, sender, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("stun: read from %s: %w", server, err)
	}
	if !changeIP && (sender == nil || !sender.IP.Equal(raddr.IP)) {
		return nil, 0, fmt.Errorf("stun: response from unexpected sender %v (expected %v)", sender, raddr)
	}

	return parseBindingResponse(buf[:n], txnID)
}

// Query performs a single binding request/response exchange.
func (c *Client) Query(server string, timeout time.Duration) (net.IP, int, error) {
	return c.query(server, timeout, false, false)
}

// Classify runs the full NAT classification state machine against two
// independent STUN servers, following the algorithm described for
// StunClient: same-socket comparison across servers to distinguish
// cone/symmetric mapping, then a CHANGE-REQUEST filtering probe against
// the first server to distinguish full/restricted/port-restricted cone.
func (c *Client) Classify(ctx context.Context, server1, server2 string, timeout time.Duration) (Result, error) {
	_, span := tracer.Start(ctx, "stun.classify")
	defer span.End()

	ip1, port1, err1 := c.query(server1, timeout, false, false)
	ip2, port2, err2 := c.query(server2, timeout, false, false)

	if err1 != nil && err2 != nil {
		return Result{Type: NATUnknown}, fmt.Errorf("stun: both servers failed: %v; %v", err1, err2)
	}
	if err1 != nil {
		span.SetAttributes(attribute.String("nat.type", string(NATUnknown)))
		return Result{Type: NATUnknown, ExternalIP: ip2, ExternalPort: port2}, nil
	}
	if err2 != nil {
		span.SetAttributes(attribute.String("nat.type", string(NATUnknown)))
		return Result{Type: NATUnknown, ExternalIP: ip1, ExternalPort: port1}, nil
	}

	if ip1.Equal(ip2) && port1 == port2 && c.isLocalAddr(ip1) && port1 == c.LocalPort() {
		span.SetAttributes(attribute.String("nat.type", string(NATPublic)))
		return Result{Type: NATPublic, ExternalIP: ip1, ExternalPort: port1}, nil
	}

	if !ip1.Equal(ip2) || port1 != port2 {
		span.SetAttributes(attribute.String("nat.type", string(NATSymmetric)))
		return Result{Type: NATSymmetric, ExternalIP: ip1, ExternalPort: port1}, nil
	}

	// Cone family: disambiguate with filtering probes against server1.
	natType := c.classifyConeFiltering(server1, timeout)
	span.SetAttributes(attribute.String("nat.type", string(natType)))
	return Result{Type: natType, ExternalIP: ip1, ExternalPort: port1}, nil
}

// classifyConeFiltering asks server1 to reply from a different IP+port,
// then (if that fails) from the same IP but a different port, to
// distinguish full cone / restricted cone / port-restricted cone.
func (c *Client) classifyConeFiltering(server1 string, timeout time.Duration) NATType {
	if _, _, err := c.query(server1, timeout, true, true); err == nil {
		return NATFullCone
	}
	if _, _, err := c.query(server1, timeout, false, true); err == nil {
		return NATRestrictedCone
	}
	return NATPortRestrictedCone
}

// isLocalAddr reports whether ip belongs to one of this host's network
// interfaces. A socket bound via ListenUDP without an explicit IP reports
// its local address as the unspecified 0.0.0.0/:: wildcard, which never
// equals a real reflexive address; NATPublic must instead be recognized by
// checking the reflexive IP against the machine's actual interface
// addresses, the way a host learns whether it is directly on the public
// internet.
func (c *Client) isLocalAddr(ip net.IP) bool {
	if ip == nil {
		return false
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// DiscoverExternalEndpoint tries each server in turn on a fresh socket and
// returns the first successful reflexive address.
func DiscoverExternalEndpoint(localPort int, servers []string, timeout time.Duration) (net.IP, int, error) {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	for _, server := range servers {
		client, err := Bind(localPort)
		if err != nil {
			return nil, 0, err
		}
		ip, port, err := client.Query(server, timeout)
		client.Close()
		if err == nil {
			return ip, port, nil
		}
	}
	return nil, 0, fmt.Errorf("stun: all servers failed")
}
