package coordinator

import (
	"crypto/sha1"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	"golang.org/x/crypto/hkdf"
)

const (
	announceInterval = 15 * time.Minute
	queryInterval    = 60 * time.Second
	bootstrapTimeout = 30 * time.Second
)

// BootstrapNodes are the well-known BitTorrent Mainline DHT bootstrap
// servers used to join the swarm that coordinator presence is announced
// into.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Infohash derives the 20-byte BitTorrent infohash coordinators for
// networkID announce themselves under, via HKDF over the network's shared
// secret so unrelated meshes never collide in the public DHT swarm.
func Infohash(networkSecret []byte, networkID string) ([20]byte, error) {
	var out [20]byte
	kdf := hkdf.New(sha1.New, networkSecret, []byte(networkID), []byte("meshcore-coordinator-infohash"))
	if _, err := kdf.Read(out[:]); err != nil {
		return out, fmt.Errorf("coordinator: derive infohash: %w", err)
	}
	return out, nil
}

// DHTDiscovery announces this node as a coordinator (when
// AnnounceAsCoordinator runs; no reachability check is made) and looks up
// other coordinators for networkSecret's mesh
// under a BitTorrent Mainline DHT swarm keyed by Infohash.
type DHTDiscovery struct {
	server    *dht.Server
	infohash  [20]byte
	localPort int

	onCoordinatorFound func(addr net.Addr)
	stopCh             chan struct{}
}

// NewDHTDiscovery creates a DHT-backed coordinator discovery service
// multiplexed over conn (typically the shared UdpTransport's socket).
func NewDHTDiscovery(conn net.PacketConn, networkSecret []byte, networkID string, localPort int) (*DHTDiscovery, error) {
	infohash, err := Infohash(networkSecret, networkID)
	if err != nil {
		return nil, err
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.NoSecurity = false

	server, err := dht.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("coordinator: start dht server: %w", err)
	}

	return &DHTDiscovery{
		server:    server,
		infohash:  infohash,
		localPort: localPort,
		stopCh:    make(chan struct{}),
	}, nil
}

// OnCoordinatorFound registers the callback invoked for each coordinator
// address surfaced by a lookup.
func (d *DHTDiscovery) OnCoordinatorFound(fn func(addr net.Addr)) {
	d.onCoordinatorFound = fn
}

// Bootstrap joins the public DHT swarm. It blocks briefly while pinging
// the well-known bootstrap nodes.
func (d *DHTDiscovery) Bootstrap() error {
	done := make(chan error, 1)
	go func() {
		_, err := d.server.Bootstrap()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(bootstrapTimeout):
		return fmt.Errorf("coordinator: dht bootstrap timed out")
	}
}

// AnnounceAsCoordinator periodically announces this node's presence under
// the mesh's infohash. Call in a goroutine; it runs until Stop.
func (d *DHTDiscovery) AnnounceAsCoordinator() {
	announce := func() {
		a, err := d.server.Announce(d.infohash, d.localPort, false)
		if err != nil {
			log.Printf("[Coordinator] dht announce failed: %v", err)
			return
		}
		<-a.Peers
	}

	announce()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			announce()
		}
	}
}

// LookupCoordinators runs a periodic GetPeers query for the mesh's
// infohash, surfacing discovered coordinator addresses via
// OnCoordinatorFound. Call in a goroutine; it runs until Stop.
func (d *DHTDiscovery) LookupCoordinators() {
	lookup := func() {
		a, err := d.server.GetPeers(d.infohash)
		if err != nil {
			log.Printf("[Coordinator] dht lookup failed: %v", err)
			return
		}
		for v := range a.Peers {
			for _, p := range v.Peers {
				addr := krpcNodeAddrToUDP(p)
				if addr != nil && d.onCoordinatorFound != nil {
					d.onCoordinatorFound(addr)
				}
			}
		}
	}

	lookup()
	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			lookup()
		}
	}
}

func krpcNodeAddrToUDP(p krpc.NodeAddr) *net.UDPAddr {
	if p.IP == nil {
		return nil
	}
	return &net.UDPAddr{IP: p.IP, Port: p.Port}
}

// Stop ends the announce and lookup loops and closes the DHT server.
func (d *DHTDiscovery) Stop() {
	close(d.stopCh)
	d.server.Close()
}

