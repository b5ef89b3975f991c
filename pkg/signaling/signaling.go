// Package signaling implements the client side of the rendezvous
// protocol: a persistent, newline-delimited JSON connection to a
// coordinator, used to register presence, report endpoints, and broker
// hole-punch attempts.
package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/retry"
)

// ErrNotConnected is returned by Send when the underlying TCP connection
// has dropped and has not yet been reestablished.
var ErrNotConnected = fmt.Errorf("signaling: not connected")

// Frame is the envelope every signaling message rides in. The
// discriminator is the "type" field; a frame with an absent or
// unrecognized type is logged and dropped.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client→server payloads.
type Register struct {
	PeerID    identity.PeerId `json:"peerId"`
	NetworkID string          `json:"networkId"`
}
type ReportEndpoint struct {
	Endpoint string `json:"endpoint"`
	NATType  string `json:"natType"`
}
type RequestConnection struct {
	Target      identity.PeerId `json:"target"`
	MyPublicKey string          `json:"myPublicKey"`
}
type HolePunchSent struct {
	NewEndpoint string `json:"newEndpoint"`
}
type HolePunchResultMsg struct {
	Target         identity.PeerId `json:"target"`
	Success        bool            `json:"success"`
	ActualEndpoint string          `json:"actualEndpoint,omitempty"`
}
type RequestRelay struct {
	Target identity.PeerId `json:"target"`
}

// Server→client payloads.
type Registered struct {
	ServerTime time.Time `json:"serverTime"`
}
type PeerEndpoint struct {
	PeerID    identity.PeerId `json:"peerId"`
	Endpoint  string          `json:"endpoint"`
	NATType   string          `json:"natType"`
	PublicKey string          `json:"publicKey"`
}
type HolePunchInvite struct {
	PeerID   identity.PeerId `json:"peerId"`
	Endpoint string          `json:"endpoint"`
	NATType  string          `json:"natType"`
}
type HolePunchNow struct {
	PeerID         identity.PeerId `json:"peerId"`
	TargetEndpoint string          `json:"targetEndpoint"`
}
type HolePunchInitiate struct {
	PeerID         identity.PeerId `json:"peerId"`
	TargetEndpoint string          `json:"targetEndpoint"`
}
type HolePunchContinue struct {
	PeerID      identity.PeerId `json:"peerId"`
	NewEndpoint string          `json:"newEndpoint"`
}
type RelayAssigned struct {
	SessionID string          `json:"sessionId"`
	PeerID    identity.PeerId `json:"peerId"`
	Endpoint  string          `json:"endpoint"`
	Token     string          `json:"token"`
}
type ErrorMsg struct {
	Message string `json:"message"`
}

// Handler dispatches decoded server→client frames by type.
type Handler interface {
	OnRegistered(Registered)
	OnPeerEndpoint(PeerEndpoint)
	OnHolePunchInvite(HolePunchInvite)
	OnHolePunchNow(HolePunchNow)
	OnHolePunchInitiate(HolePunchInitiate)
	OnHolePunchWait()
	OnHolePunchContinue(HolePunchContinue)
	OnRelayAssigned(RelayAssigned)
	OnPong()
	OnError(ErrorMsg)
}

// Client maintains a persistent TCP connection to a coordinator and
// exchanges newline-delimited JSON frames over it, reconnecting with
// backoff on failure.
type Client struct {
	addr    string
	handler Handler

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	reader  *bufio.Reader
	stopped bool
}

// Dial opens a signaling connection to addr and starts its receive loop.
func Dial(ctx context.Context, addr string, handler Handler) (*Client, error) {
	c := &Client{addr: addr, handler: handler}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.receiveLoop(ctx)
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	return retry.Do(ctx, retry.DefaultConfig, func() error {
		conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.writer = bufio.NewWriter(conn)
		c.reader = bufio.NewReader(conn)
		c.mu.Unlock()
		return nil
	})
}

func (c *Client) receiveLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		stopped := c.stopped
		reader := c.reader
		c.mu.Unlock()
		if stopped {
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			log.Printf("[Signaling] connection to %s dropped: %v", c.addr, err)
			if ctx.Err() != nil {
				return
			}
			if err := c.connect(ctx); err != nil {
				log.Printf("[Signaling] reconnect to %s failed: %v", c.addr, err)
				return
			}
			continue
		}

		var frame Frame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			log.Printf("[Signaling] malformed frame from %s: %v", c.addr, err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	switch frame.Type {
	case "registered":
		var v Registered
		json.Unmarshal(frame.Data, &v)
		c.handler.OnRegistered(v)
	case "peerEndpoint":
		var v PeerEndpoint
		json.Unmarshal(frame.Data, &v)
		c.handler.OnPeerEndpoint(v)
	case "holePunchInvite":
		var v HolePunchInvite
		json.Unmarshal(frame.Data, &v)
		c.handler.OnHolePunchInvite(v)
	case "holePunchNow":
		var v HolePunchNow
		json.Unmarshal(frame.Data, &v)
		c.handler.OnHolePunchNow(v)
	case "holePunchInitiate":
		var v HolePunchInitiate
		json.Unmarshal(frame.Data, &v)
		c.handler.OnHolePunchInitiate(v)
	case "holePunchWait":
		c.handler.OnHolePunchWait()
	case "holePunchContinue":
		var v HolePunchContinue
		json.Unmarshal(frame.Data, &v)
		c.handler.OnHolePunchContinue(v)
	case "relayAssigned":
		var v RelayAssigned
		json.Unmarshal(frame.Data, &v)
		c.handler.OnRelayAssigned(v)
	case "pong":
		c.handler.OnPong()
	case "error":
		var v ErrorMsg
		json.Unmarshal(frame.Data, &v)
		c.handler.OnError(v)
	default:
		log.Printf("[Signaling] unknown frame type %q from %s", frame.Type, c.addr)
	}
}

// send writes one JSON frame, newline-terminated.
func (c *Client) send(frameType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s: %w", frameType, err)
	}
	frame := Frame{Type: frameType, Data: data}
	line, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(append(line, '\n')); err != nil {
		return ErrNotConnected
	}
	return c.writer.Flush()
}

func (c *Client) RegisterSelf(peerID identity.PeerId, networkID string) error {
	return c.send("register", Register{PeerID: peerID, NetworkID: networkID})
}

func (c *Client) ReportEndpoint(endpoint, natType string) error {
	return c.send("reportEndpoint", ReportEndpoint{Endpoint: endpoint, NATType: natType})
}

func (c *Client) RequestConnection(ctx context.Context, target identity.PeerId, myPublicKey string) error {
	return c.send("requestConnection", RequestConnection{Target: target, MyPublicKey: myPublicKey})
}

func (c *Client) HolePunchReady() error {
	return c.send("holePunchReady", struct{}{})
}

func (c *Client) HolePunchSentNew(endpoint string) error {
	return c.send("holePunchSent", HolePunchSent{NewEndpoint: endpoint})
}

func (c *Client) SendHolePunchResult(ctx context.Context, target identity.PeerId, success bool, actualEndpoint *net.UDPAddr) error {
	msg := HolePunchResultMsg{Target: target, Success: success}
	if actualEndpoint != nil {
		msg.ActualEndpoint = actualEndpoint.String()
	}
	return c.send("holePunchResult", msg)
}

func (c *Client) RequestRelay(target identity.PeerId) error {
	return c.send("requestRelay", RequestRelay{Target: target})
}

func (c *Client) Ping() error {
	return c.send("ping", struct{}{})
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
