package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"
)

// PeerSnapshot is the information about one known peer the facade
// exposes to the control server.
type PeerSnapshot struct {
	PeerID       string
	BestEndpoint string
	NATType      string
	LastSeen     time.Time
	Endpoints    []string
}

// StatusSnapshot is the node-wide status the facade exposes.
type StatusSnapshot struct {
	PeerID    string
	NetworkID string
	Uptime    time.Duration
	NATType   string
}

// ServerConfig wires the facade's data into the control server's RPC
// method handlers.
type ServerConfig struct {
	SocketPath string
	Version    string
	GetPeers   func() []PeerSnapshot
	GetPeer    func(peerID string) (PeerSnapshot, bool)
	GetStatus  func() StatusSnapshot
}

// Server is the control-plane RPC server, listening on a Unix domain
// socket for newline-delimited JSON-RPC 2.0 requests.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer prepares a control Server bound to cfg.SocketPath. Call Start
// to begin accepting connections.
func NewServer(cfg ServerConfig) (*Server, error) {
	if _, err := os.Stat(cfg.SocketPath); err == nil {
		if err := os.Remove(cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("control: remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0755); err != nil {
		return nil, fmt.Errorf("control: create socket dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, ctx: ctx, cancel: cancel}, nil
}

// Start opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = listener
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("control: chmod socket: %w", err)
	}

	log.Printf("[Control] listening on %s", s.cfg.SocketPath)
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
				log.Printf("[Control] accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.writeResponse(writer, &Response{JSONRPC: "2.0", Error: &Error{Code: ErrCodeParseError, Message: err.Error()}})
			continue
		}
		s.writeResponse(writer, s.handleRequest(&req))
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[Control] connection error: %v", err)
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[Control] encode response: %v", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return
	}
	w.Flush()
}

func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "2.0" {
		resp.Error = &Error{Code: ErrCodeInvalidRequest, Message: "jsonrpc version must be 2.0"}
		return resp
	}

	switch req.Method {
	case "peers.list":
		resp.Result = s.handlePeersList()
	case "peers.get":
		result, errObj := s.handlePeersGet(req.Params)
		if errObj != nil {
			resp.Error = errObj
		} else {
			resp.Result = result
		}
	case "node.status":
		resp.Result = s.handleNodeStatus()
	case "node.ping":
		resp.Result = NodePingResult{Pong: true, Version: s.cfg.Version}
	default:
		resp.Error = &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	return resp
}

func (s *Server) handlePeersList() PeersListResult {
	snapshots := s.cfg.GetPeers()
	result := PeersListResult{Peers: make([]*PeerInfo, 0, len(snapshots))}
	for _, p := range snapshots {
		result.Peers = append(result.Peers, toPeerInfo(p))
	}
	return result
}

func (s *Server) handlePeersGet(params map[string]interface{}) (*PeerInfo, *Error) {
	peerID, ok := params["peerId"].(string)
	if !ok || peerID == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing or invalid 'peerId' parameter"}
	}
	snapshot, ok := s.cfg.GetPeer(peerID)
	if !ok {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("peer not found: %s", peerID)}
	}
	return toPeerInfo(snapshot), nil
}

func (s *Server) handleNodeStatus() NodeStatusResult {
	status := s.cfg.GetStatus()
	return NodeStatusResult{
		PeerID:    status.PeerID,
		NetworkID: status.NetworkID,
		Uptime:    status.Uptime,
		NATType:   status.NATType,
		Version:   s.cfg.Version,
	}
}

func toPeerInfo(p PeerSnapshot) *PeerInfo {
	return &PeerInfo{
		PeerID:       p.PeerID,
		BestEndpoint: p.BestEndpoint,
		NATType:      p.NATType,
		LastSeen:     p.LastSeen.Format(time.RFC3339),
		Endpoints:    p.Endpoints,
	}
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove socket: %w", err)
	}
	log.Printf("[Control] stopped")
	return nil
}

// DefaultSocketPath picks a Unix socket path following XDG conventions,
// falling back to /tmp when neither an explicit override nor a runtime
// directory is available.
func DefaultSocketPath() string {
	if path := os.Getenv("MESHCORE_SOCKET"); path != "" {
		return path
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "meshcore.sock")
	}
	return "/tmp/meshcore.sock"
}
