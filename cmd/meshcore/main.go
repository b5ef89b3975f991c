// Command meshcore runs a mesh node: identity-based peer discovery over a
// rendezvous coordinator, STUN-classified NAT traversal, and a signed
// UDP transport, with a Unix-socket control plane for operational
// tooling.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/meshcore/meshcore/pkg/config"
	"github.com/meshcore/meshcore/pkg/control"
	"github.com/meshcore/meshcore/pkg/coordinator"
	"github.com/meshcore/meshcore/pkg/endpoint"
	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/holepunch"
	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/mesh"
	"github.com/meshcore/meshcore/pkg/probe"
	"github.com/meshcore/meshcore/pkg/relay"
	"github.com/meshcore/meshcore/pkg/signaling"
	"github.com/meshcore/meshcore/pkg/stun"
	"github.com/meshcore/meshcore/pkg/transport"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println("meshcore " + version)
	case "secret":
		secretCmd()
	case "identity":
		identityCmd()
	case "run":
		runCmd()
	case "status":
		statusCmd()
	case "probe":
		probeCmd()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`meshcore - signed, NAT-traversing P2P mesh node

SUBCOMMANDS:
  secret generate                      Generate a new shared network secret
  identity init --state-dir <dir>      Generate and persist this node's identity
  run --secret <SECRET> [options]      Join the mesh and run until interrupted
  status [--socket-path <path>]        Query a running node's peers and status
  probe --peer <ip:port>               Send hole-punch probes at an address and report replies

Run "meshcore <subcommand> -h" for subcommand-specific flags.`)
}

func secretCmd() {
	fs := flag.NewFlagSet("secret", flag.ExitOnError)
	fs.Parse(os.Args[2:])
	if fs.NArg() == 0 || fs.Arg(0) != "generate" {
		fmt.Fprintln(os.Stderr, "usage: meshcore secret generate")
		os.Exit(1)
	}
	secret, err := config.GenerateSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(config.FormatSecretURI(secret))
}

func identityCmd() {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	stateDir := fs.String("state-dir", config.DefaultStateDir(), "Directory to store identity.json")
	fs.Parse(os.Args[2:])
	if fs.NArg() == 0 || fs.Arg(0) != "init" {
		fmt.Fprintln(os.Stderr, "usage: meshcore identity init [--state-dir <dir>]")
		os.Exit(1)
	}

	if err := os.MkdirAll(*stateDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		os.Exit(1)
	}
	id, err := identity.LoadOrCreate(filepath.Join(*stateDir, "identity.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load or create identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Peer ID: %s\n", id.PeerId)
	fmt.Printf("Public key: %s\n", hex.EncodeToString(id.PublicKey))
}

// promptSecret reads the mesh secret from the terminal without echoing it,
// for callers that would rather not leave it sitting in shell history.
func promptSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no --secret given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Mesh secret: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}

func runCmd() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	secret := fs.String("secret", "", "Mesh secret (required)")
	stateDir := fs.String("state-dir", config.DefaultStateDir(), "Directory for identity, endpoint cache, and the control socket")
	udpPort := fs.Int("listen-port", config.DefaultUDPPort, "UDP port for probes and envelopes")
	coordinatorAddr := fs.String("coordinator", "", "host:port of a signaling coordinator (optional)")
	canCoordinate := fs.Bool("can-coordinate", false, "Announce this node as a DHT-discoverable coordinator")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	socketPath := fs.String("socket-path", "", "Control socket path (defaults under state-dir)")
	strictEndpoints := fs.Bool("strict-endpoints", false, "Reject private-range endpoints (disable for LAN/NAT testing)")
	coordinatorListenPort := fs.Int("coordinator-listen-port", config.DefaultCoordinatorListenPort, "TCP port the signaling server listens on when --can-coordinate is set, and the port announced under the DHT infohash")
	fs.Parse(os.Args[2:])

	if *secret == "" {
		prompted, err := promptSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: --secret is required: %v\n", err)
			os.Exit(1)
		}
		*secret = prompted
	}

	cfg, err := config.NewConfig(config.Opts{
		Secret:                *secret,
		StateDir:              *stateDir,
		UDPPort:               *udpPort,
		CoordinatorAddr:       *coordinatorAddr,
		CanCoordinate:         *canCoordinate,
		LogLevel:              *logLevel,
		CoordinatorListenPort: *coordinatorListenPort,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	events.ConfigureLogging(cfg.LogLevel)

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrCreate(filepath.Join(cfg.StateDir, "identity.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load identity: %v\n", err)
		os.Exit(1)
	}
	machineID, err := identity.LoadOrCreateMachineID(filepath.Join(cfg.StateDir, "machine_id"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load machine id: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := events.Init(ctx, "meshcore", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "events: otel init: %v (continuing without exported telemetry)\n", err)
		otelShutdown = func(context.Context) {}
	}
	defer otelShutdown(context.Background())

	sink := events.NewSink("meshcore")

	natType, externalEndpoint := classifyNAT(cfg)
	fmt.Printf("Peer ID: %s  NAT type: %s  external endpoint: %s\n", id.PeerId, natType, externalEndpoint)

	tr, err := transport.Bind(cfg.UDPPort, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind transport: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	endpointMode := endpoint.Permissive
	if *strictEndpoints {
		endpointMode = endpoint.Strict
	}

	store := endpoint.New(ctx, filepath.Join(cfg.StateDir, "endpoints.json"), cfg.NetworkID, filepath.Join(cfg.StateDir, "peers.json"), sink)
	defer store.Stop()
	store.UpdateNATType(id.PeerId, string(natType))

	tuning := holepunch.Tuning{
		ProbeCount:         cfg.HolePunch.ProbeCount,
		ProbeInterval:      cfg.HolePunch.ProbeInterval,
		Timeout:            cfg.HolePunch.Timeout,
		ResponseProbeCount: cfg.HolePunch.ResponseProbeCount,
	}
	engine := holepunch.New(tr, string(id.PeerId), sink, tuning)

	relayManager := relay.NewManager(cfg.RelayIdleTimeout)

	// dhtDiscovery multiplexes BitTorrent Mainline DHT traffic over the
	// same UDP socket the mesh transport already owns, so a coordinator
	// can be found (or announced) with no extra listening port.
	dhtDiscovery, err := coordinator.NewDHTDiscovery(tr.PacketConn(), []byte(cfg.Secret), cfg.NetworkID, cfg.CoordinatorListenPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dht discovery: %v (coordinator discovery disabled)\n", err)
	} else if err := dhtDiscovery.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "dht bootstrap: %v (coordinator discovery disabled)\n", err)
		dhtDiscovery = nil
	} else {
		defer dhtDiscovery.Stop()
	}

	var coordSrv *coordinatorServer
	if cfg.CanCoordinate {
		coordSrv = newCoordinatorServer(relayManager, cfg.RelayKey[:], id.PeerId, externalEndpoint)
		listenAddr := fmt.Sprintf(":%d", cfg.CoordinatorListenPort)
		srv := signaling.NewServer(listenAddr, coordSrv)
		coordSrv.setServer(srv)
		if err := srv.ListenAndServe(); err != nil {
			fmt.Fprintf(os.Stderr, "start coordinator signaling server: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()

		coordSvc := coordinator.New(coordSrv, coordSrv)
		coordSrv.svc = coordSvc
		go coordSvc.Run()
		defer coordSvc.Stop()

		if dhtDiscovery != nil {
			go dhtDiscovery.AnnounceAsCoordinator()
		}
		fmt.Printf("Coordinating: signaling listening on %s\n", listenAddr)
	}

	// handler.node is filled in once the facade exists below; Dial needs a
	// Handler up front, but the Handler needs the facade to deliver learned
	// keys and endpoints into, so the two are wired together in two steps.
	handler := &coordinatorHandler{natType: natType}

	resolvedCoordinatorAddr := cfg.CoordinatorAddr
	if resolvedCoordinatorAddr == "" && !cfg.CanCoordinate && dhtDiscovery != nil {
		resolvedCoordinatorAddr = discoverCoordinator(dhtDiscovery)
	}

	var signalClient *signaling.Client
	var orch *holepunch.Orchestrator
	if resolvedCoordinatorAddr != "" {
		signalClient, err = signaling.Dial(ctx, resolvedCoordinatorAddr, handler)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dial coordinator: %v\n", err)
			os.Exit(1)
		}
		defer signalClient.Close()
		orch = holepunch.NewOrchestrator(engine, signalClient, sink)
	} else {
		orch = holepunch.NewOrchestrator(engine, noopCoordinator{}, sink)
	}

	node := mesh.New(mesh.Config{
		Identity:     id,
		MachineID:    machineID,
		NetworkID:    cfg.NetworkID,
		Transport:    tr,
		Store:        store,
		Orchestrator: orch,
		Relay:        relayManager,
		Sink:         sink,
		EndpointMode: endpointMode,
	})
	defer node.Close()
	handler.node = node

	if signalClient != nil {
		if err := signalClient.RegisterSelf(id.PeerId, cfg.NetworkID); err != nil {
			fmt.Fprintf(os.Stderr, "register with coordinator: %v\n", err)
		}
		if err := signalClient.ReportEndpoint(externalEndpoint, string(natType)); err != nil {
			fmt.Fprintf(os.Stderr, "report endpoint: %v\n", err)
		}
	}

	sockPath := *socketPath
	if sockPath == "" {
		sockPath = filepath.Join(cfg.StateDir, "control.sock")
	}
	if _, err := node.AttachControl(sockPath, version); err != nil {
		fmt.Fprintf(os.Stderr, "attach control server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Control socket: %s\n", sockPath)
	fmt.Printf("Listening on UDP port %d\n", tr.LocalPort())

	select {}
}

// noopCoordinator satisfies holepunch's coordinatorTransport interface
// structurally when no signaling coordinator was configured: hole
// punching still works for peers discovered by other means (e.g. a
// manually supplied address via "meshcore probe"), but invite/result
// frames have nowhere to go.
type noopCoordinator struct{}

func (noopCoordinator) RequestConnection(ctx context.Context, target identity.PeerId, myPublicKey string) error {
	return fmt.Errorf("meshcore: no coordinator configured")
}

func (noopCoordinator) SendHolePunchResult(ctx context.Context, target identity.PeerId, success bool, actualEndpoint *net.UDPAddr) error {
	return nil
}

// discoverCoordinatorTimeout bounds how long a node without an explicit
// --coordinator waits for the DHT lookup to surface one before falling
// back to running coordinator-less.
const discoverCoordinatorTimeout = 10 * time.Second

// discoverCoordinator runs one DHT lookup round and returns the first
// coordinator address found, or "" if none appears within
// discoverCoordinatorTimeout.
func discoverCoordinator(d *coordinator.DHTDiscovery) string {
	found := make(chan net.Addr, 1)
	d.OnCoordinatorFound(func(addr net.Addr) {
		select {
		case found <- addr:
		default:
		}
	})
	go d.LookupCoordinators()

	select {
	case addr := <-found:
		fmt.Printf("Discovered coordinator at %s via DHT\n", addr)
		return addr.String()
	case <-time.After(discoverCoordinatorTimeout):
		fmt.Fprintln(os.Stderr, "no coordinator discovered via DHT within timeout; running without one")
		return ""
	}
}

// classifyNAT briefly binds its own STUN client to cfg.UDPPort to learn
// this node's NAT behavior and external endpoint before the mesh
// transport claims that same port for probe and envelope traffic.
func classifyNAT(cfg *config.Config) (stun.NATType, string) {
	if len(cfg.STUNServers) < 2 {
		return stun.NATUnknown, ""
	}
	client, err := stun.Bind(cfg.UDPPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stun bind: %v (NAT type will be reported as unknown)\n", err)
		return stun.NATUnknown, ""
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.Classify(ctx, cfg.STUNServers[0], cfg.STUNServers[1], 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stun classify: %v (NAT type will be reported as unknown)\n", err)
		return stun.NATUnknown, ""
	}
	if result.ExternalIP == nil {
		return result.Type, ""
	}
	return result.Type, net.JoinHostPort(result.ExternalIP.String(), fmt.Sprintf("%d", result.ExternalPort))
}

func statusCmd() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socketPath := fs.String("socket-path", control.DefaultSocketPath(), "Control socket path")
	fs.Parse(os.Args[2:])

	client, err := control.Dial(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "node.status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Peer ID:   %s\n", status.PeerID)
	fmt.Printf("Network:   %s\n", status.NetworkID)
	fmt.Printf("NAT type:  %s\n", status.NATType)
	fmt.Printf("Uptime:    %s\n", status.Uptime)

	peers, err := client.ListPeers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "peers.list: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n%d known peer(s):\n", len(peers.Peers))
	for _, p := range peers.Peers {
		fmt.Printf("  %s  %s  nat=%s  lastSeen=%s\n", p.PeerID, p.BestEndpoint, p.NATType, p.LastSeen)
	}
}

// probeResultSignal captures the outcome HandleExecute reports, standing
// in for a real coordinatorTransport when probing an address directly
// with no coordinator involved.
type probeResultSignal struct {
	success  bool
	endpoint *net.UDPAddr
}

func (*probeResultSignal) RequestConnection(ctx context.Context, target identity.PeerId, myPublicKey string) error {
	return nil
}

func (s *probeResultSignal) SendHolePunchResult(ctx context.Context, target identity.PeerId, success bool, actualEndpoint *net.UDPAddr) error {
	s.success = success
	s.endpoint = actualEndpoint
	return nil
}

func probeCmd() {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	peerAddr := fs.String("peer", "", "Peer address to probe (ip:port, required)")
	listenPort := fs.Int("listen-port", 0, "Local UDP port to bind (0 = random)")
	senderID := fs.String("sender-id", "probe-cli", "Sender ID prefix stamped into outgoing probes")
	fs.Parse(os.Args[2:])

	if *peerAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: meshcore probe --peer <ip:port>")
		os.Exit(1)
	}

	sink := events.NewSink("meshcore-probe")
	tr, err := transport.Bind(*listenPort, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	addr, err := net.ResolveUDPAddr("udp", *peerAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve %s: %v\n", *peerAddr, err)
		os.Exit(1)
	}

	engine := holepunch.New(tr, *senderID, sink, holepunch.DefaultTuning)
	signal := &probeResultSignal{}
	orch := holepunch.NewOrchestrator(engine, signal, sink)

	target := identity.PeerId("cli-probe-target")
	tr.OnProbe(func(p probe.Probe, from *net.UDPAddr) {
		orch.HandleIncomingProbe(target, p, from)
	})

	fmt.Printf("Probing %s from local port %d...\n", addr, tr.LocalPort())

	ctx, cancel := context.WithTimeout(context.Background(), holepunch.DefaultTuning.Timeout+2*time.Second)
	defer cancel()
	orch.HandleExecute(ctx, target, addr, true)

	if signal.success {
		fmt.Printf("Reachable: punched through to %s\n", signal.endpoint)
	} else {
		fmt.Println("No reply received within the timeout.")
	}
}
