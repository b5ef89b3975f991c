// Package config derives and loads the node's runtime configuration: the
// shared network secret and the keys/identifiers derived from it, built
// by NewConfig from explicit options, plus LoadConfigFile, a parser for
// key=value config files (NewConfig does not read or merge such a file),
// following the teacher's daemon.Config/NewConfig/LoadConfigFile pattern.
package config

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	URIPrefix  = "meshcore://"
	URIVersion = "v1"

	// MinSecretLength mirrors the teacher's floor on shared-secret entropy.
	MinSecretLength = 16

	DefaultUDPPort = 51820

	// DefaultCoordinatorListenPort is the TCP port a --can-coordinate node
	// listens on for signaling.Server connections when none is given.
	DefaultCoordinatorListenPort = 7946

	// DefaultRelayIdleTimeout is the inactivity period after which
	// relay.Manager.EvictIdle closes an active relay session.
	DefaultRelayIdleTimeout = 5 * time.Minute

	hkdfInfoRelayKey = "meshcore-relay-key-v1"
	networkIDSize    = 20
)

// HolePunchTuning mirrors holepunch.Tuning at the config layer so it can be
// loaded from a file/flags without importing the holepunch package here.
type HolePunchTuning struct {
	ProbeCount          int
	ProbeInterval       time.Duration
	Timeout             time.Duration
	SendResponseProbes  bool
	ResponseProbeCount  int
}

// DefaultHolePunchTuning matches holepunch.DefaultTuning.
var DefaultHolePunchTuning = HolePunchTuning{
	ProbeCount:         5,
	ProbeInterval:      200 * time.Millisecond,
	Timeout:            10 * time.Second,
	SendResponseProbes: true,
	ResponseProbeCount: 3,
}

// Config holds every derived and explicit setting a running node needs.
type Config struct {
	Secret    string
	NetworkID string // hex-encoded 20-byte network identifier
	RelayKey  [32]byte

	StateDir        string
	UDPPort         int
	CoordinatorAddr string
	CanCoordinate   bool
	LogLevel        string

	CoordinatorListenPort int
	RelayIdleTimeout      time.Duration

	STUNServers []string
	HolePunch   HolePunchTuning
}

// Opts are the explicit settings a caller (CLI flags) supplies; zero
// values fall back to defaults in NewConfig.
type Opts struct {
	Secret          string
	StateDir        string
	UDPPort         int
	CoordinatorAddr string
	CanCoordinate   bool
	LogLevel        string

	CoordinatorListenPort int
	RelayIdleTimeout      time.Duration

	STUNServers []string
	HolePunch   HolePunchTuning
}

// NewConfig derives NetworkID and RelayKey from opts.Secret and fills in
// defaults for everything else.
func NewConfig(opts Opts) (*Config, error) {
	secret := ParseSecret(opts.Secret)
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("config: secret must be at least %d characters", MinSecretLength)
	}

	networkID, err := deriveNetworkID(secret)
	if err != nil {
		return nil, err
	}
	relayKey, err := deriveRelayKey(secret)
	if err != nil {
		return nil, err
	}

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir()
	}

	udpPort := opts.UDPPort
	if udpPort == 0 {
		udpPort = DefaultUDPPort
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	stunServers := opts.STUNServers
	if len(stunServers) == 0 {
		stunServers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}
	}

	tuning := opts.HolePunch
	if tuning == (HolePunchTuning{}) {
		tuning = DefaultHolePunchTuning
	}

	coordinatorListenPort := opts.CoordinatorListenPort
	if coordinatorListenPort == 0 {
		coordinatorListenPort = DefaultCoordinatorListenPort
	}

	relayIdleTimeout := opts.RelayIdleTimeout
	if relayIdleTimeout == 0 {
		relayIdleTimeout = DefaultRelayIdleTimeout
	}

	return &Config{
		Secret:                secret,
		NetworkID:             hex.EncodeToString(networkID[:]),
		RelayKey:              relayKey,
		StateDir:              stateDir,
		UDPPort:               udpPort,
		CoordinatorAddr:       opts.CoordinatorAddr,
		CanCoordinate:         opts.CanCoordinate,
		LogLevel:              logLevel,
		CoordinatorListenPort: coordinatorListenPort,
		RelayIdleTimeout:      relayIdleTimeout,
		STUNServers:           stunServers,
		HolePunch:             tuning,
	}, nil
}

// GenerateSecret creates a fresh random 32-byte shared secret, base64url
// encoded for easy sharing.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("config: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FormatSecretURI formats a secret as a meshcore:// URI suitable for
// sharing out of band.
func FormatSecretURI(secret string) string {
	return fmt.Sprintf("%s%s/%s", URIPrefix, URIVersion, secret)
}

// ParseSecret extracts the raw secret from a meshcore:// URI, or returns
// input unchanged if it is not one.
func ParseSecret(input string) string {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, URIPrefix) {
		return input
	}
	rest := strings.TrimPrefix(input, URIPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parts[0]
	}
	secret := parts[1]
	if idx := strings.Index(secret, "?"); idx != -1 {
		secret = secret[:idx]
	}
	return secret
}

// DefaultStateDir picks a per-user state directory, following XDG
// conventions with a home-directory fallback.
func DefaultStateDir() string {
	if dir := os.Getenv("MESHCORE_STATE_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "meshcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/meshcore"
	}
	return filepath.Join(home, ".local", "state", "meshcore")
}

// LoadConfigFile loads key=value pairs from path, tolerating a missing
// file (returns an empty map, not an error) since explicit flags can fully
// substitute for a config file.
func LoadConfigFile(path string) (map[string]string, error) {
	result := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "config: ignoring malformed line %d in %s: %s\n", lineNum, path, line)
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		result[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return result, nil
}

// ParseBootstrapPeers splits a comma-separated list of bootstrap
// host:port entries, trimming whitespace and dropping empty items.
func ParseBootstrapPeers(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func deriveNetworkID(secret string) ([networkIDSize]byte, error) {
	var id [networkIDSize]byte
	sum := sha256.Sum256([]byte(secret))
	copy(id[:], sum[:networkIDSize])
	return id, nil
}

func deriveRelayKey(secret string) ([32]byte, error) {
	var key [32]byte
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfoRelayKey))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("config: derive relay key: %w", err)
	}
	return key, nil
}
