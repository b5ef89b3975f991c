package mesh

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/meshcore/meshcore/pkg/identity"
)

// Keyring is the facade's cache of known PeerId → public key bindings,
// learned from the coordinator's PeerEndpoint announcements. Envelope
// signature verification depends on a key being known here; the only
// exception is the ping bootstrap carve-out in Node.handleEnvelopeDatagram.
type Keyring struct {
	mu   sync.RWMutex
	keys map[identity.PeerId]ed25519.PublicKey
}

func newKeyring() *Keyring {
	return &Keyring{keys: make(map[identity.PeerId]ed25519.PublicKey)}
}

// Learn records peer's public key, given as hex-encoded bytes. A key that
// fails to decode, or whose derived PeerId does not match peer, is
// rejected rather than silently ignored.
func (k *Keyring) Learn(peer identity.PeerId, hexPubKey string) bool {
	raw, err := hex.DecodeString(hexPubKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return false
	}
	pub := ed25519.PublicKey(raw)
	if identity.DerivePeerId(pub) != peer {
		return false
	}
	k.mu.Lock()
	k.keys[peer] = pub
	k.mu.Unlock()
	return true
}

// Lookup returns the known public key for peer, if any.
func (k *Keyring) Lookup(peer identity.PeerId) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[peer]
	return pub, ok
}
