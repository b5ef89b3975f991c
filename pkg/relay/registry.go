package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
	"github.com/meshcore/meshcore/pkg/stun"
	"github.com/redis/go-redis/v9"
)

const registryTTL = 5 * time.Minute

// CandidateRegistry shares relay candidate offers across coordinator
// instances via Redis, so a requester handled by one coordinator node can
// see relay nodes that registered with a different one.
type CandidateRegistry struct {
	client    *redis.Client
	keyPrefix string
}

// NewCandidateRegistry wires a CandidateRegistry onto an existing Redis
// client. keyPrefix namespaces entries (typically the network ID), since
// a single Redis instance may back multiple meshes.
func NewCandidateRegistry(client *redis.Client, keyPrefix string) *CandidateRegistry {
	return &CandidateRegistry{client: client, keyPrefix: keyPrefix}
}

type candidateRecord struct {
	Node              identity.PeerId `json:"node"`
	Endpoint          string          `json:"endpoint"`
	NATType           string          `json:"natType"`
	AvailableCapacity int             `json:"availableCapacity"`
}

func (r *CandidateRegistry) key(node identity.PeerId) string {
	return fmt.Sprintf("%s:relay-candidate:%s", r.keyPrefix, node)
}

// Publish registers or refreshes a relay node's offer with a 5-minute TTL.
func (r *CandidateRegistry) Publish(ctx context.Context, node identity.PeerId, endpoint, natType string, availableCapacity int) error {
	rec := candidateRecord{Node: node, Endpoint: endpoint, NATType: natType, AvailableCapacity: availableCapacity}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("relay: marshal candidate: %w", err)
	}
	return r.client.Set(ctx, r.key(node), data, registryTTL).Err()
}

// Withdraw removes a relay node's offer, e.g. on graceful shutdown.
func (r *CandidateRegistry) Withdraw(ctx context.Context, node identity.PeerId) error {
	return r.client.Del(ctx, r.key(node)).Err()
}

// List returns all currently published relay candidates under keyPrefix.
func (r *CandidateRegistry) List(ctx context.Context) ([]Candidate, error) {
	pattern := fmt.Sprintf("%s:relay-candidate:*", r.keyPrefix)
	var cursor uint64
	var out []Candidate

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("relay: scan candidates: %w", err)
		}
		for _, k := range keys {
			data, err := r.client.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var rec candidateRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			out = append(out, Candidate{Node: rec.Node, NATType: stun.NATType(rec.NATType), AvailableCapacity: rec.AvailableCapacity})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
