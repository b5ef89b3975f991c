package endpoint

import (
	"context"
	"sort"
	"time"

	"github.com/meshcore/meshcore/pkg/events"
	"github.com/meshcore/meshcore/pkg/identity"
)

// MaxEndpointsPerMachine bounds how many endpoints are retained per
// (PeerId, MachineId) before the oldest are trimmed.
const MaxEndpointsPerMachine = 1000

// StaleAfter is how long a machine's endpoint entry may go without
// activity before it is evicted.
const StaleAfter = 24 * time.Hour

const (
	cleanupInterval = 1 * time.Hour
	saveInterval    = 5 * time.Minute
)

// MachineEndpoints is the per-(PeerId, MachineId) endpoint list: front is
// the most recently validated entry.
type MachineEndpoints struct {
	Endpoints    []Endpoint `json:"endpoints"`
	LastActivity time.Time  `json:"lastActivity"`
}

type machineKey struct {
	Peer    identity.PeerId
	Machine string
}

// Store tracks known endpoints per (PeerId, MachineId). All mutation runs
// on a single internal goroutine ("actor"); callers send closures over a
// channel (see exec), so the map itself never needs a mutex. Readers receive snapshots, never live references.
type Store struct {
	requests  chan func(*storeState)
	done      chan struct{}
	sink      *events.Sink
	persister *persister
}

type storeState struct {
	machines map[machineKey]*MachineEndpoints
	natTypes map[identity.PeerId]string
	dirty    bool
}

// New creates a Store, loading any previously persisted endpoints from
// path (networkID must match or the file is discarded and a clean store
// is started). A legacy peer-cache file at legacyPath, if any, is removed
// once on construction since this store supersedes that format.
func New(ctx context.Context, path, networkID, legacyPath string, sink *events.Sink) *Store {
	s := &Store{
		requests: make(chan func(*storeState), 64),
		done:     make(chan struct{}),
		sink:     sink,
	}

	state := &storeState{
		machines: make(map[machineKey]*MachineEndpoints),
		natTypes: make(map[identity.PeerId]string),
	}

	if loaded, ok := loadPersisted(path, networkID); ok {
		state.machines = loaded
	}
	removeLegacyFile(legacyPath)
	dropStaleLocked(state, time.Now())

	s.persister = &persister{path: path, networkID: networkID}

	go s.run(ctx, state)
	return s
}

func (s *Store) run(ctx context.Context, state *storeState) {
	saveTicker := time.NewTicker(saveInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer saveTicker.Stop()
	defer cleanupTicker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			if state.dirty {
				s.persister.save(state.machines)
			}
			return
		case req := <-s.requests:
			req(state)
		case <-saveTicker.C:
			if state.dirty {
				s.persister.save(state.machines)
				state.dirty = false
			}
		case <-cleanupTicker.C:
			dropStaleLocked(state, time.Now())
		}
	}
}

// exec runs fn on the store's actor goroutine and blocks until it
// completes, giving the caller a synchronous request/response interface
// over the internal channel.
func (s *Store) exec(fn func(*storeState)) {
	done := make(chan struct{})
	s.requests <- func(state *storeState) {
		fn(state)
		close(done)
	}
	<-done
}

// RecordReceived validates and promotes endpoint as having been the
// source of inbound traffic from (peer, machine).
func (s *Store) RecordReceived(peer identity.PeerId, machine string, ep Endpoint, mode Mode) {
	s.promote(peer, machine, ep, mode)
}

// RecordSendSuccess validates and promotes endpoint as having
// successfully carried outbound traffic to (peer, machine).
func (s *Store) RecordSendSuccess(peer identity.PeerId, machine string, ep Endpoint, mode Mode) {
	s.promote(peer, machine, ep, mode)
}

func (s *Store) promote(peer identity.PeerId, machine string, ep Endpoint, mode Mode) {
	if !Valid(ep, mode) {
		return
	}
	key := machineKey{Peer: peer, Machine: machine}
	s.exec(func(state *storeState) {
		m, ok := state.machines[key]
		if !ok {
			m = &MachineEndpoints{}
			state.machines[key] = m
		}
		m.Endpoints = promoteFront(m.Endpoints, ep, MaxEndpointsPerMachine)
		m.LastActivity = time.Now()
		state.dirty = true
	})
}

func promoteFront(list []Endpoint, ep Endpoint, max int) []Endpoint {
	out := make([]Endpoint, 0, len(list)+1)
	out = append(out, ep)
	for _, existing := range list {
		if existing != ep {
			out = append(out, existing)
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Endpoints returns a filtered copy of the endpoints known for (peer, machine).
func (s *Store) Endpoints(peer identity.PeerId, machine string, mode Mode) []Endpoint {
	var result []Endpoint
	key := machineKey{Peer: peer, Machine: machine}
	s.exec(func(state *storeState) {
		if m, ok := state.machines[key]; ok {
			result = FilterValid(append([]Endpoint(nil), m.Endpoints...), mode)
		}
	})
	return result
}

// BestEndpoint returns the IPv6-preferred first valid entry for (peer,
// machine), falling back to the front of the list.
func (s *Store) BestEndpoint(peer identity.PeerId, machine string, mode Mode) (Endpoint, bool) {
	list := s.Endpoints(peer, machine, mode)
	if len(list) == 0 {
		return "", false
	}
	for _, e := range list {
		if IsIPv6(e) {
			return e, true
		}
	}
	return list[0], true
}

// AllEndpoints returns deduplicated endpoints across every machine known
// for peer, IPv6 entries first, otherwise preserving recency order.
func (s *Store) AllEndpoints(peer identity.PeerId, mode Mode) []Endpoint {
	var all []Endpoint
	s.exec(func(state *storeState) {
		type ranked struct {
			ep       Endpoint
			activity time.Time
		}
		seen := make(map[Endpoint]bool)
		var entries []ranked
		for key, m := range state.machines {
			if key.Peer != peer {
				continue
			}
			for _, e := range m.Endpoints {
				if seen[e] {
					continue
				}
				seen[e] = true
				entries = append(entries, ranked{ep: e, activity: m.LastActivity})
			}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			iv6, jv6 := IsIPv6(entries[i].ep), IsIPv6(entries[j].ep)
			if iv6 != jv6 {
				return iv6
			}
			return entries[i].activity.After(entries[j].activity)
		})
		for _, e := range entries {
			all = append(all, e.ep)
		}
	})
	return FilterValid(all, mode)
}

// AllPeerIds returns every peer with at least one tracked endpoint,
// sorted by descending most-recent activity across that peer's machines.
func (s *Store) AllPeerIds() []identity.PeerId {
	var ids []identity.PeerId
	s.exec(func(state *storeState) {
		latest := make(map[identity.PeerId]time.Time)
		for key, m := range state.machines {
			if m.LastActivity.After(latest[key.Peer]) {
				latest[key.Peer] = m.LastActivity
			}
		}
		for id := range latest {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return latest[ids[i]].After(latest[ids[j]])
		})
	})
	return ids
}

// UpdateNATType records the last observed NAT type classification for a
// peer. A classification of "unknown" is a no-op, preserving any
// previously known-good classification.
func (s *Store) UpdateNATType(peer identity.PeerId, natType string) {
	if natType == "unknown" || natType == "" {
		return
	}
	s.exec(func(state *storeState) {
		state.natTypes[peer] = natType
	})
}

// NATType returns the last recorded NAT type for peer, or "" if unknown.
func (s *Store) NATType(peer identity.PeerId) string {
	var result string
	s.exec(func(state *storeState) {
		result = state.natTypes[peer]
	})
	return result
}

// Stop blocks until the actor goroutine has flushed any pending
// persistence and exited. Callers signal shutdown via the ctx passed to
// New; Stop just waits for that to take effect.
func (s *Store) Stop() {
	<-s.done
}

func dropStaleLocked(state *storeState, now time.Time) {
	for key, m := range state.machines {
		if now.Sub(m.LastActivity) > StaleAfter {
			delete(state.machines, key)
		}
	}
}
