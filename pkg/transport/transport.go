// Package transport provides the UDP socket every other component sends
// and receives packets over: hole-punch probes and signed envelopes share
// one bound port, demultiplexed by their leading magic bytes.
package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/probe"
	"github.com/meshcore/meshcore/pkg/ratelimit"
)

const maxPacketSize = 65536

// EnvelopeHandler is invoked for any datagram that is not a hole-punch probe.
type EnvelopeHandler func(data []byte, from *net.UDPAddr)

// ProbeHandler is invoked for datagrams recognized as hole-punch probes.
type ProbeHandler func(p probe.Probe, from *net.UDPAddr)

// UDPTransport owns a single bound UDP socket shared by signaling-agnostic
// peer traffic: hole-punch probes and envelope-framed messages.
type UDPTransport struct {
	conn    *net.UDPConn
	port    int
	limiter *ratelimit.IPRateLimiter
	sink    *events.Sink

	stopCh chan struct{}

	onEnvelope EnvelopeHandler
	onProbe    ProbeHandler
}

// Bind opens a UDP socket on localPort (0 picks an ephemeral port) and
// starts its receive loop. Call Close to release the socket.
func Bind(localPort int, sink *events.Sink) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", localPort, err)
	}

	t := &UDPTransport{
		conn:    conn,
		port:    conn.LocalAddr().(*net.UDPAddr).Port,
		limiter: ratelimit.NewDefault(),
		sink:    sink,
		stopCh:  make(chan struct{}),
	}

	go t.receiveLoop()
	return t, nil
}

// LocalPort returns the bound UDP port.
func (t *UDPTransport) LocalPort() int {
	return t.port
}

// OnEnvelope registers the handler invoked for non-probe datagrams.
func (t *UDPTransport) OnEnvelope(h EnvelopeHandler) {
	t.onEnvelope = h
}

// OnProbe registers the handler invoked for hole-punch probe datagrams.
func (t *UDPTransport) OnProbe(h ProbeHandler) {
	t.onProbe = h
}

func (t *UDPTransport) receiveLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
				log.Printf("[Transport] read error: %v", err)
				continue
			}
		}

		if !t.limiter.Allow(addr.IP.String()) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(data, addr)
	}
}

func (t *UDPTransport) dispatch(data []byte, addr *net.UDPAddr) {
	ctx, span := t.sink.StartSpan(context.Background(), "transport.receive")
	defer span.End()
	_ = ctx

	if probe.IsHolePunchProbe(data) {
		p, ok := probe.Parse(data)
		if !ok {
			return
		}
		if t.onProbe != nil {
			t.onProbe(p, addr)
		}
		return
	}

	if t.onEnvelope != nil {
		t.onEnvelope(data, addr)
	}
}

// SendTo writes data to addr over the shared socket.
func (t *UDPTransport) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

// SendProbeTo serializes and sends a hole-punch probe to addr.
func (t *UDPTransport) SendProbeTo(p probe.Probe, addr *net.UDPAddr) error {
	return t.SendTo(probe.Serialize(p), addr)
}

// PacketConn exposes the underlying socket for components (e.g. DHT
// coordinator discovery) that need to multiplex additional protocols over
// the same bound port.
func (t *UDPTransport) PacketConn() net.PacketConn {
	return t.conn
}

// Close releases the UDP socket and stops the receive loop.
func (t *UDPTransport) Close() error {
	close(t.stopCh)
	return t.conn.Close()
}
