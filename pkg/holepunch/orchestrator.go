package holepunch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/probe"
	"github.com/meshcore/meshcore/pkg/stun"
)

// FailureReason enumerates the terminal failure modes a punch attempt can
// report back to the caller.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonBothSymmetric FailureReason = "bothSymmetric"
	ReasonTimeout       FailureReason = "timeout"
)

// HolePunchResult is the outcome delivered to establishDirectConnection's
// caller, successful or not.
type HolePunchResult struct {
	Success  bool
	Endpoint *net.UDPAddr
	RTT      time.Duration
	Reason   FailureReason
}

// Compatibility resolves the strategy two NAT types can hole-punch under,
// per the initiator × responder matrix.
func Compatibility(initiator, responder stun.NATType) (Strategy, bool) {
	switch {
	case initiator == stun.NATUnknown || responder == stun.NATUnknown:
		return Simultaneous, true
	case initiator.IsDirectlyReachable() && responder.IsDirectlyReachable():
		return Simultaneous, true
	case initiator == stun.NATSymmetric && responder == stun.NATSymmetric:
		return "", false
	case initiator == stun.NATSymmetric && responder.IsConeType():
		return InitiatorFirst, true
	case initiator.IsConeType() && responder == stun.NATSymmetric:
		return ResponderFirst, true
	case initiator.IsConeType() && responder.IsConeType():
		return Simultaneous, true
	default:
		return Simultaneous, true
	}
}

// coordinatorTransport is the signaling surface HolePunchOrchestrator uses
// to ask a coordinator to broker a punch, satisfied by signaling.Client.
type coordinatorTransport interface {
	RequestConnection(ctx context.Context, target identity.PeerId, myPublicKey string) error
	SendHolePunchResult(ctx context.Context, target identity.PeerId, success bool, actualEndpoint *net.UDPAddr) error
}

type waiterState int

const (
	stateIdle waiterState = iota
	stateRequestSent
	stateAwaitingExecute
	stateExecuting
	stateSucceeded
	stateFailed
)

type waiter struct {
	state  waiterState
	result chan HolePunchResult
}

// Orchestrator decides whether a pair can be hole-punched, chooses a
// strategy, drives the probe exchange via ProbeEngine, and reports results
// to the coordinator.
type Orchestrator struct {
	engine   *ProbeEngine
	signal   coordinatorTransport
	sink     *events.Sink
	probeTTL time.Duration

	mu         sync.Mutex
	waiters    map[identity.PeerId]*waiter
	feeds      map[identity.PeerId]chan incomingProbe
	byEndpoint map[string]identity.PeerId
}

// NewOrchestrator wires a ProbeEngine and a coordinator signaling client
// into a HolePunchOrchestrator.
func NewOrchestrator(engine *ProbeEngine, signal coordinatorTransport, sink *events.Sink) *Orchestrator {
	return &Orchestrator{
		engine:     engine,
		signal:     signal,
		sink:       sink,
		probeTTL:   2 * DefaultTuning.Timeout,
		waiters:    make(map[identity.PeerId]*waiter),
		feeds:      make(map[identity.PeerId]chan incomingProbe),
		byEndpoint: make(map[string]identity.PeerId),
	}
}

// registerFeed returns the feed channel for target, creating one if this is
// the attempt's first registration, and records targetEndpoint (if known)
// so a probe whose sender prefix could not be resolved to target can still
// be routed by matching its source address instead.
func (o *Orchestrator) registerFeed(target identity.PeerId, targetEndpoint *net.UDPAddr) chan incomingProbe {
	o.mu.Lock()
	defer o.mu.Unlock()
	feed, ok := o.feeds[target]
	if !ok {
		feed = make(chan incomingProbe, 16)
		o.feeds[target] = feed
	}
	if targetEndpoint != nil {
		o.byEndpoint[targetEndpoint.String()] = target
	}
	return feed
}

func (o *Orchestrator) unregisterFeed(target identity.PeerId, targetEndpoint *net.UDPAddr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.feeds, target)
	if targetEndpoint != nil && o.byEndpoint[targetEndpoint.String()] == target {
		delete(o.byEndpoint, targetEndpoint.String())
	}
}

// HandleIncomingProbe routes a probe datagram received on the shared
// transport to the pending attempt targeting that peer, if any is
// registered. This is the method MeshNodeFacade's probe callback calls
// directly; it never needs to know about the unexported incomingProbe
// wrapper used internally between here and ProbeEngine.
//
// target may be empty if the facade could not yet resolve the probe's
// sender prefix to a known PeerId (the common case for the very first
// probe of an attempt against a peer never seen before); per the OR-match
// rule, the probe's source address against a registered attempt's target
// endpoint is an equally valid match.
func (o *Orchestrator) HandleIncomingProbe(target identity.PeerId, p probe.Probe, from *net.UDPAddr) {
	o.mu.Lock()
	feed, ok := o.feeds[target]
	if !ok && from != nil {
		if byAddr, found := o.byEndpoint[from.String()]; found {
			feed, ok = o.feeds[byAddr]
		}
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case feed <- incomingProbe{probe: p, from: from}:
	default:
	}
}

// EstablishDirectConnection drives the full direct-connection attempt for
// target: IPv6 fast path, compatibility classification, coordinator
// brokering, and the eventual ProbeEngine execution once the coordinator
// issues an execute directive.
func (o *Orchestrator) EstablishDirectConnection(ctx context.Context, target identity.PeerId, targetEndpoint *net.UDPAddr, myNATType, targetNATType stun.NATType, myPublicKey string) (HolePunchResult, error) {
	if targetEndpoint != nil && targetEndpoint.IP.To4() == nil {
		return HolePunchResult{Success: true, Endpoint: targetEndpoint, RTT: 0}, nil
	}

	_, ok := Compatibility(myNATType, targetNATType)
	if !ok {
		return HolePunchResult{Success: false, Reason: ReasonBothSymmetric}, nil
	}

	if myNATType.IsDirectlyReachable() && targetNATType.IsDirectlyReachable() && targetEndpoint != nil {
		return HolePunchResult{Success: true, Endpoint: targetEndpoint, RTT: 0}, nil
	}

	w := &waiter{state: stateRequestSent, result: make(chan HolePunchResult, 1)}
	o.mu.Lock()
	o.waiters[target] = w
	o.mu.Unlock()
	o.registerFeed(target, targetEndpoint)
	defer func() {
		o.mu.Lock()
		delete(o.waiters, target)
		o.mu.Unlock()
		o.unregisterFeed(target, targetEndpoint)
	}()

	if err := o.signal.RequestConnection(ctx, target, myPublicKey); err != nil {
		return HolePunchResult{Success: false, Reason: ReasonTimeout}, fmt.Errorf("holepunch: request connection: %w", err)
	}
	w.state = stateAwaitingExecute

	timer := time.NewTimer(o.probeTTL)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return HolePunchResult{}, ctx.Err()
	case <-timer.C:
		return HolePunchResult{Success: false, Reason: ReasonTimeout}, nil
	case res := <-w.result:
		return res, nil
	}
}

// HandleExecute runs ProbeEngine for a coordinator-issued execute
// directive and reports the result back as a HolePunchResult, both to the
// coordinator and to any local waiter blocked in EstablishDirectConnection.
func (o *Orchestrator) HandleExecute(ctx context.Context, target identity.PeerId, targetEndpoint *net.UDPAddr, simultaneous bool) {
	strategy := InitiatorFirst
	if simultaneous {
		strategy = Simultaneous
	}

	feed := o.registerFeed(target, targetEndpoint)
	defer o.unregisterFeed(target, targetEndpoint)

	result, err := o.engine.Execute(ctx, strategy, targetEndpoint, feed)
	if err != nil {
		result = Result{Success: false}
	}

	o.signal.SendHolePunchResult(ctx, target, result.Success, result.EstablishedEndpoint)

	o.mu.Lock()
	w, ok := o.waiters[target]
	o.mu.Unlock()
	if !ok {
		return
	}
	hr := HolePunchResult{Success: result.Success, Endpoint: result.EstablishedEndpoint, RTT: result.RTT}
	if !result.Success {
		hr.Reason = ReasonTimeout
	}
	select {
	case w.result <- hr:
	default:
	}
}

// HandleInvite responds to an inbound HolePunchInvite: the compatibility
// direction is flipped (we are the responder), and the result, success or
// failure, is reported back to the inviter.
func (o *Orchestrator) HandleInvite(ctx context.Context, from identity.PeerId, fromEndpoint *net.UDPAddr, fromNATType, myNATType stun.NATType) {
	strategy, ok := Compatibility(fromNATType, myNATType)
	if !ok {
		return
	}
	flipped := strategy
	switch strategy {
	case InitiatorFirst:
		flipped = ResponderFirst
	case ResponderFirst:
		flipped = InitiatorFirst
	}

	feed := o.registerFeed(from, fromEndpoint)
	defer o.unregisterFeed(from, fromEndpoint)

	result, err := o.engine.Execute(ctx, flipped, fromEndpoint, feed)
	if err != nil {
		result = Result{Success: false}
	}
	o.signal.SendHolePunchResult(ctx, from, result.Success, result.EstablishedEndpoint)
}
