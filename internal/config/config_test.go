package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "meshctl.yaml")

	cfg := Config{
		Core: CoreConfig{ConfigPath: filepath.Join(dir, "core.toml")},
		Network: NetworkConfig{
			NetworkName:   "testnet",
			NetworkSecret: "s3cret",
			DHCP:          true,
			Peers:         []string{"tcp://seed.example.com:11010"},
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Network.NetworkName != "testnet" {
		t.Fatalf("network name=%q", loaded.Network.NetworkName)
	}
	if loaded.Helper.Socket != DefaultHelperSocket {
		t.Fatalf("helper socket default missing: %q", loaded.Helper.Socket)
	}
	if loaded.Polling.ActiveIntervalMs != DefaultActiveIntervalMs {
		t.Fatalf("active interval=%d", loaded.Polling.ActiveIntervalMs)
	}
	if loaded.Polling.ProcessFloorMs != DefaultProcessFloorMs {
		t.Fatalf("process floor=%d", loaded.Polling.ProcessFloorMs)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing core.config_path")
	}

	cfg.Core.ConfigPath = "/tmp/core.toml"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing network name")
	}

	cfg.Network.NetworkName = "testnet"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing address with dhcp off")
	}

	cfg.Network.DHCP = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestRenderCoreConfig(t *testing.T) {
	t.Parallel()

	out := RenderCoreConfig(NetworkConfig{
		Hostname:      "node-a",
		NetworkName:   "testnet",
		NetworkSecret: "s3cret",
		VirtualIPv4:   "10.144.144.1/24",
		Peers:         []string{"tcp://seed:11010", "udp://seed2:11010"},
		Listeners:     []string{"udp://0.0.0.0:11010"},
	})

	for _, want := range []string{
		`hostname = "node-a"`,
		`ipv4 = "10.144.144.1/24"`,
		"[network_identity]",
		`network_name = "testnet"`,
		`uri = "tcp://seed:11010"`,
		`uri = "udp://seed2:11010"`,
		"[[listener]]",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, out)
		}
	}
}

func TestWriteCoreConfig_Atomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "core.toml")
	net := NetworkConfig{NetworkName: "testnet", NetworkSecret: "s", DHCP: true}

	if err := WriteCoreConfig(path, net); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), "dhcp = true") {
		t.Fatalf("content=%q", data)
	}

	// No temp leftovers.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("unexpected leftovers: %v", entries)
	}

	if err := WriteCoreConfig("", net); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
