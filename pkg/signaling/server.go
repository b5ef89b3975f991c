package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/meshcore/meshcore/pkg/identity"
)

// ServerHandler dispatches decoded client→server frames by type, mirroring
// Handler's role on the client side. conn identifies which connection a
// frame arrived on, so a handler can reply or track per-peer state; its
// PeerID is populated by the server only after a register frame.
type ServerHandler interface {
	OnRegister(conn *PeerConn, v Register)
	OnReportEndpoint(conn *PeerConn, v ReportEndpoint)
	OnRequestConnection(conn *PeerConn, v RequestConnection)
	OnHolePunchResult(conn *PeerConn, v HolePunchResultMsg)
	OnRequestRelay(conn *PeerConn, v RequestRelay)
	OnPing(conn *PeerConn)
}

// PeerConn is one accepted connection, keyed by the PeerId it registered
// under. Dispatcher implementations outside this package look these up via
// Server.Conn to deliver directives.
type PeerConn struct {
	PeerID    identity.PeerId
	NetworkID string

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
}

func (pc *PeerConn) send(frameType string, payload any) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s: %w", frameType, err)
	}
	frame := Frame{Type: frameType, Data: data}
	line, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := pc.writer.Write(append(line, '\n')); err != nil {
		return err
	}
	return pc.writer.Flush()
}

func (pc *PeerConn) SendRegistered(v Registered) error           { return pc.send("registered", v) }
func (pc *PeerConn) SendPeerEndpoint(v PeerEndpoint) error        { return pc.send("peerEndpoint", v) }
func (pc *PeerConn) SendHolePunchInvite(v HolePunchInvite) error  { return pc.send("holePunchInvite", v) }
func (pc *PeerConn) SendHolePunchNow(v HolePunchNow) error        { return pc.send("holePunchNow", v) }
func (pc *PeerConn) SendHolePunchInitiate(v HolePunchInitiate) error {
	return pc.send("holePunchInitiate", v)
}
func (pc *PeerConn) SendHolePunchWait() error { return pc.send("holePunchWait", struct{}{}) }
func (pc *PeerConn) SendHolePunchContinue(v HolePunchContinue) error {
	return pc.send("holePunchContinue", v)
}
func (pc *PeerConn) SendRelayAssigned(v RelayAssigned) error { return pc.send("relayAssigned", v) }
func (pc *PeerConn) SendPong() error                         { return pc.send("pong", struct{}{}) }
func (pc *PeerConn) SendError(v ErrorMsg) error               { return pc.send("error", v) }

// Server accepts signaling.Client connections and dispatches their frames
// to a ServerHandler, following the control package's
// listen/acceptLoop/handleConnection shape with line-framed JSON in place
// of control's JSON-RPC envelope.
type Server struct {
	addr    string
	handler ServerHandler

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	peers map[identity.PeerId]*PeerConn
}

// NewServer prepares a signaling Server bound to addr. Call ListenAndServe
// to begin accepting connections.
func NewServer(addr string, handler ServerHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[identity.PeerId]*PeerConn),
	}
}

// ListenAndServe opens the TCP listener and begins accepting connections
// in the background. Call Stop to shut down.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("signaling: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	log.Printf("[Signaling] coordinator listening on %s", ln.Addr())
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[Signaling] accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	pc := &PeerConn{conn: conn, writer: bufio.NewWriter(conn)}
	defer func() {
		s.unregister(pc)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			log.Printf("[Signaling] malformed frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		s.dispatch(pc, frame)
	}
}

func (s *Server) dispatch(pc *PeerConn, frame Frame) {
	switch frame.Type {
	case "register":
		var v Register
		json.Unmarshal(frame.Data, &v)
		pc.PeerID, pc.NetworkID = v.PeerID, v.NetworkID
		s.register(pc)
		s.handler.OnRegister(pc, v)
	case "reportEndpoint":
		var v ReportEndpoint
		json.Unmarshal(frame.Data, &v)
		s.handler.OnReportEndpoint(pc, v)
	case "requestConnection":
		var v RequestConnection
		json.Unmarshal(frame.Data, &v)
		s.handler.OnRequestConnection(pc, v)
	case "holePunchReady", "holePunchSent":
		// Informational only; no coordinator-side behavior currently keys
		// off these, unlike holePunchResult.
	case "holePunchResult":
		var v HolePunchResultMsg
		json.Unmarshal(frame.Data, &v)
		s.handler.OnHolePunchResult(pc, v)
	case "requestRelay":
		var v RequestRelay
		json.Unmarshal(frame.Data, &v)
		s.handler.OnRequestRelay(pc, v)
	case "ping":
		s.handler.OnPing(pc)
	default:
		log.Printf("[Signaling] unknown frame type %q from %s", frame.Type, pc.conn.RemoteAddr())
	}
}

func (s *Server) register(pc *PeerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[pc.PeerID] = pc
}

func (s *Server) unregister(pc *PeerConn) {
	if pc.PeerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[pc.PeerID] == pc {
		delete(s.peers, pc.PeerID)
	}
}

// Conn looks up the live connection registered under peer, for a
// Dispatcher to deliver invite/execute/relay directives to.
func (s *Server) Conn(peer identity.PeerId) (*PeerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.peers[peer]
	return pc, ok
}

// Peers returns the PeerIds currently registered.
func (s *Server) Peers() []identity.PeerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]identity.PeerId, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// Stop closes the listener. Connections already accepted are not closed;
// their read loops end when the peer disconnects.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
