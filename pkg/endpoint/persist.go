package endpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/meshcore/meshcore/pkg/identity"
)

// persistedVersion is bumped whenever the on-disk shape changes in a way
// that is not forward-compatible; a mismatch discards the file instead of
// attempting to migrate it.
const persistedVersion = 1

// PersistedEndpointFile is the atomically-written on-disk snapshot of a
// Store's machine endpoint map, scoped to a single network.
type PersistedEndpointFile struct {
	Version   int                         `json:"version"`
	SavedAt   time.Time                   `json:"savedAt"`
	NetworkID string                      `json:"networkId"`
	Machines  map[string]MachineEndpoints `json:"machines"`
}

type persister struct {
	path      string
	networkID string
}

// keyString renders a machineKey as the flat "peerId|machineId" string
// used as the JSON object key in PersistedEndpointFile.
func (k machineKey) keyString() string {
	return string(k.Peer) + "|" + k.Machine
}

func parseKeyString(s string) (machineKey, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return machineKey{Peer: identity.PeerId(s[:i]), Machine: s[i+1:]}, true
		}
	}
	return machineKey{}, false
}

func (p *persister) save(machines map[machineKey]*MachineEndpoints) {
	file := PersistedEndpointFile{
		Version:   persistedVersion,
		SavedAt:   time.Now(),
		NetworkID: p.networkID,
		Machines:  make(map[string]MachineEndpoints, len(machines)),
	}
	for key, m := range machines {
		file.Machines[key.keyString()] = *m
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".endpoints-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	os.Rename(tmpPath, p.path)
}

func loadPersisted(path, networkID string) (map[machineKey]*MachineEndpoints, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var file PersistedEndpointFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false
	}
	if file.Version != persistedVersion || file.NetworkID != networkID {
		return nil, false
	}

	machines := make(map[machineKey]*MachineEndpoints, len(file.Machines))
	for keyStr, m := range file.Machines {
		key, ok := parseKeyString(keyStr)
		if !ok {
			continue
		}
		entry := m
		machines[key] = &entry
	}
	return machines, true
}

// removeLegacyFile deletes a pre-Store peer-cache file at legacyPath, if
// one exists, since this store's on-disk format supersedes it. A missing
// file or a path left empty by the caller is not an error.
func removeLegacyFile(legacyPath string) {
	if legacyPath == "" {
		return
	}
	os.Remove(legacyPath)
}
