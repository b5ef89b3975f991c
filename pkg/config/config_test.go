package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfigDerivesStableNetworkIDAndRelayKey(t *testing.T) {
	c1, err := NewConfig(Opts{Secret: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	c2, err := NewConfig(Opts{Secret: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if c1.NetworkID != c2.NetworkID {
		t.Errorf("NetworkID not stable across calls: %q vs %q", c1.NetworkID, c2.NetworkID)
	}
	if c1.RelayKey != c2.RelayKey {
		t.Error("RelayKey not stable across calls")
	}

	other, err := NewConfig(Opts{Secret: "a different secret entirely"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if other.NetworkID == c1.NetworkID {
		t.Error("different secrets produced the same NetworkID")
	}
}

func TestNewConfigRejectsShortSecret(t *testing.T) {
	if _, err := NewConfig(Opts{Secret: "short"}); err == nil {
		t.Fatal("NewConfig accepted a too-short secret")
	}
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	c, err := NewConfig(Opts{Secret: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if c.UDPPort != DefaultUDPPort {
		t.Errorf("UDPPort = %d, want default %d", c.UDPPort, DefaultUDPPort)
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", c.LogLevel)
	}
	if c.HolePunch != DefaultHolePunchTuning {
		t.Error("HolePunch tuning did not default to DefaultHolePunchTuning")
	}
	if len(c.STUNServers) == 0 {
		t.Error("STUNServers should default to a non-empty list")
	}
}

func TestFormatAndParseSecretURI(t *testing.T) {
	secret := "correct horse battery staple"
	uri := FormatSecretURI(secret)
	if got := ParseSecret(uri); got != secret {
		t.Errorf("ParseSecret(%q) = %q, want %q", uri, got, secret)
	}
	if got := ParseSecret(secret); got != secret {
		t.Errorf("ParseSecret passthrough = %q, want %q", got, secret)
	}
}

func TestLoadConfigFileParsesKeyValuePairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshcore.conf")
	content := "# comment\nudpPort=51821\nlogLevel=\"debug\"\n\ncoordinatorAddr=coord.example.com:9000\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	values, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if values["udpPort"] != "51821" {
		t.Errorf("udpPort = %q, want 51821", values["udpPort"])
	}
	if values["logLevel"] != "debug" {
		t.Errorf("logLevel = %q, want debug (quotes stripped)", values["logLevel"])
	}
	if values["coordinatorAddr"] != "coord.example.com:9000" {
		t.Errorf("coordinatorAddr = %q", values["coordinatorAddr"])
	}
}

func TestLoadConfigFileMissingIsNotError(t *testing.T) {
	values, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected empty map for missing file, got %v", values)
	}
}

func TestParseBootstrapPeers(t *testing.T) {
	got := ParseBootstrapPeers(" 1.2.3.4:51820 , 5.6.7.8:51820,, ")
	want := []string{"1.2.3.4:51820", "5.6.7.8:51820"}
	if len(got) != len(want) {
		t.Fatalf("ParseBootstrapPeers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}
