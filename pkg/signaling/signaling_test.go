package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
)

type recordingHandler struct {
	registered chan Registered
	pong       chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{registered: make(chan Registered, 1), pong: make(chan struct{}, 1)}
}

func (h *recordingHandler) OnRegistered(v Registered)                   { h.registered <- v }
func (h *recordingHandler) OnPeerEndpoint(PeerEndpoint)                 {}
func (h *recordingHandler) OnHolePunchInvite(HolePunchInvite)           {}
func (h *recordingHandler) OnHolePunchNow(HolePunchNow)                 {}
func (h *recordingHandler) OnHolePunchInitiate(HolePunchInitiate)       {}
func (h *recordingHandler) OnHolePunchWait()                            {}
func (h *recordingHandler) OnHolePunchContinue(HolePunchContinue)       {}
func (h *recordingHandler) OnRelayAssigned(RelayAssigned)               {}
func (h *recordingHandler) OnPong()                                     { h.pong <- struct{}{} }
func (h *recordingHandler) OnError(ErrorMsg)                            {}

func startEchoServer(t *testing.T) (addr string, received chan Frame, send func(Frame)) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	received = make(chan Frame, 8)
	connCh := make(chan net.Conn, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- conn
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal([]byte(line), &f) == nil {
				received <- f
			}
		}
	}()

	send = func(f Frame) {
		conn := <-connCh
		connCh <- conn
		data, _ := json.Marshal(f)
		conn.Write(append(data, '\n'))
	}

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received, send
}

func TestRegisterSelfSendsFrame(t *testing.T) {
	addr, received, _ := startEchoServer(t)

	h := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Dial(ctx, addr, h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.RegisterSelf(identity.PeerId("peer1"), "net1"); err != nil {
		t.Fatalf("RegisterSelf: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != "register" {
			t.Errorf("frame type = %q, want register", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for register frame")
	}
}

func TestDispatchRoutesRegisteredFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := json.Marshal(Frame{Type: "registered", Data: mustJSON(Registered{ServerTime: time.Now()})})
		conn.Write(append(data, '\n'))
		close(serverDone)
		time.Sleep(200 * time.Millisecond)
	}()

	h := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String(), h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case <-h.registered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registered callback")
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
