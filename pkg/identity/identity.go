// Package identity manages the node's signing keypair, derived PeerId,
// and persisted MachineId.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// PeerId is the lowercase-hex fingerprint of a node's ed25519 public key,
// derived the same way the mesh derives other identifiers from stable
// inputs: a truncated SHA-256 digest.
type PeerId string

// DerivePeerId computes the PeerId for a public key.
func DerivePeerId(pub ed25519.PublicKey) PeerId {
	sum := sha256.Sum256(pub)
	return PeerId(hex.EncodeToString(sum[:20]))
}

// Identity holds the node's signing keypair and derived PeerId.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	PeerId     PeerId
}

type persistedIdentity struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, PeerId: DerivePeerId(pub)}, nil
}

// LoadOrCreate loads an identity from path, creating and persisting a new
// one if the file does not exist. The file is written with 0600
// permissions via a temp-file-then-rename so a crash mid-write never
// leaves a corrupt identity on disk.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var p persistedIdentity
		if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
			return nil, fmt.Errorf("identity: parse %s: %w", path, jsonErr)
		}
		priv, decErr := hex.DecodeString(p.PrivateKey)
		if decErr != nil {
			return nil, fmt.Errorf("identity: decode private key: %w", decErr)
		}
		pub, decErr := hex.DecodeString(p.PublicKey)
		if decErr != nil {
			return nil, fmt.Errorf("identity: decode public key: %w", decErr)
		}
		return &Identity{
			PrivateKey: ed25519.PrivateKey(priv),
			PublicKey:  ed25519.PublicKey(pub),
			PeerId:     DerivePeerId(ed25519.PublicKey(pub)),
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	id, genErr := Generate()
	if genErr != nil {
		return nil, genErr
	}
	if saveErr := save(path, id); saveErr != nil {
		return nil, saveErr
	}
	return id, nil
}

func save(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("identity: create directory: %w", err)
	}

	p := persistedIdentity{
		PrivateKey: hex.EncodeToString(id.PrivateKey),
		PublicKey:  hex.EncodeToString(id.PublicKey),
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("identity: rename temp file: %w", err)
	}
	return nil
}

// Sign signs data with the identity's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.PrivateKey, data)
}

// Verify checks a signature against a known public key.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	return ed25519.Verify(pub, data, signature)
}

// LoadOrCreateMachineID reads a persisted machine UUID from path, creating
// one on first run. MachineId identifies a physical/virtual host, distinct
// from PeerId which identifies a signing key — a host that regenerates its
// identity keeps the same MachineId.
func LoadOrCreateMachineID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("identity: read machine id: %w", err)
	}

	id := uuid.NewString()
	if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
		return "", fmt.Errorf("identity: create directory: %w", mkErr)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("identity: write machine id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("identity: rename machine id: %w", err)
	}
	return id, nil
}
