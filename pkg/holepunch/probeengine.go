// Package holepunch drives UDP hole-punch attempts: sending and awaiting
// probe bursts under a chosen strategy, and orchestrating the exchange of
// invites and results with a rendezvous coordinator.
package holepunch

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/probe"
)

// Strategy selects how a single punch attempt drives its probe exchange.
type Strategy string

const (
	Simultaneous    Strategy = "simultaneous"
	InitiatorFirst  Strategy = "initiatorFirst"
	ResponderFirst  Strategy = "responderFirst"
)

// Tuning holds ProbeEngine's timing parameters.
type Tuning struct {
	ProbeCount         int
	ProbeInterval      time.Duration
	Timeout            time.Duration
	ResponseProbeCount int
}

// DefaultTuning matches the reference probe cadence: 5 probes 200ms apart,
// a 10s attempt timeout, and 3 response probes on the responder-first path.
var DefaultTuning = Tuning{
	ProbeCount:         5,
	ProbeInterval:      200 * time.Millisecond,
	Timeout:            10 * time.Second,
	ResponseProbeCount: 3,
}

// Result is the outcome of a single ProbeEngine attempt.
type Result struct {
	Success            bool
	EstablishedEndpoint *net.UDPAddr
	RTT                time.Duration
}

// incomingProbe carries a received probe datagram into a pending engine
// session so the transport's shared receive loop can demux to it.
type incomingProbe struct {
	probe probe.Probe
	from  *net.UDPAddr
}

// sender abstracts the UDP send primitive a ProbeEngine needs, satisfied
// by transport.UDPTransport in production and a fake in tests.
type sender interface {
	SendProbeTo(p probe.Probe, addr *net.UDPAddr) error
}

// ProbeEngine executes single hole-punch attempts. Execute registers
// nothing itself: the caller (HolePunchOrchestrator) passes in the feed
// channel for the attempt and is responsible for routing transport probe
// callbacks into it for the attempt's duration.
type ProbeEngine struct {
	send       sender
	sink       *events.Sink
	senderID   string
	tuning     Tuning
}

// New creates a ProbeEngine bound to a shared transport and identified by
// senderID (the PeerId prefix carried on every probe this engine sends).
func New(send sender, senderID string, sink *events.Sink, tuning Tuning) *ProbeEngine {
	return &ProbeEngine{send: send, sink: sink, senderID: senderID, tuning: tuning}
}

// session holds the per-attempt feed channel used to deliver probes
// received on the shared transport to whichever Execute call is active.
type session struct {
	feed chan incomingProbe
}

// Execute runs a single punch attempt against targetEndpoint under
// strategy. feed is a channel the caller arranges to receive probes from
// targetEndpoint on (typically by registering a short-lived filter on the
// shared UdpTransport for the attempt's duration).
func (e *ProbeEngine) Execute(ctx context.Context, strategy Strategy, target *net.UDPAddr, feed <-chan incomingProbe) (Result, error) {
	switch strategy {
	case Simultaneous:
		return e.runSimultaneous(ctx, target, feed, e.tuning.Timeout)
	case InitiatorFirst:
		return e.runSimultaneous(ctx, target, feed, time.Duration(float64(e.tuning.Timeout)*1.5))
	case ResponderFirst:
		return e.runResponderFirst(ctx, target, feed)
	default:
		return Result{}, fmt.Errorf("holepunch: unknown strategy %q", strategy)
	}
}

func (e *ProbeEngine) runSimultaneous(ctx context.Context, target *net.UDPAddr, feed <-chan incomingProbe, timeout time.Duration) (Result, error) {
	start := time.Now()
	ctx, span := e.sink.StartSpan(ctx, "holepunch.probeengine.simultaneous")
	defer span.End()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.tuning.ProbeInterval)
	defer ticker.Stop()

	seq := uint32(0)
	send := func() {
		seq++
		p := probe.Probe{Sequence: seq, TimestampMilli: uint64(time.Now().UnixMilli()), SenderIDPrefix: e.senderID}
		e.send.SendProbeTo(p, target)
	}

	send()
	sent := 1
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case in := <-feed:
			if in.from.String() != target.String() {
				continue
			}
			return Result{Success: true, EstablishedEndpoint: in.from, RTT: time.Since(start)}, nil
		case <-ticker.C:
			if sent < e.tuning.ProbeCount {
				send()
				sent++
			}
		case <-deadline.C:
			return Result{Success: false}, nil
		}
	}
}

func (e *ProbeEngine) runResponderFirst(ctx context.Context, target *net.UDPAddr, feed <-chan incomingProbe) (Result, error) {
	start := time.Now()
	ctx, span := e.sink.StartSpan(ctx, "holepunch.probeengine.responderfirst")
	defer span.End()

	deadline := time.NewTimer(e.tuning.Timeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case in := <-feed:
		for i := 0; i < e.tuning.ResponseProbeCount; i++ {
			resp := probe.Probe{
				Sequence:       uint32(i + 1),
				TimestampMilli: uint64(time.Now().UnixMilli()),
				SenderIDPrefix: e.senderID,
				IsResponse:     true,
			}
			e.send.SendProbeTo(resp, in.from)
			if i < e.tuning.ResponseProbeCount-1 {
				time.Sleep(50 * time.Millisecond)
			}
		}
		return Result{Success: true, EstablishedEndpoint: in.from, RTT: time.Since(start)}, nil
	case <-deadline.C:
		return Result{Success: false}, nil
	}
}
