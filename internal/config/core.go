package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RenderCoreConfig renders the TOML config text consumed by the mesh core.
// The helper never sees this content over IPC, only the file path.
func RenderCoreConfig(net NetworkConfig) string {
	var b strings.Builder
	if net.Hostname != "" {
		fmt.Fprintf(&b, "hostname = %q\n", net.Hostname)
	}
	if net.DHCP {
		b.WriteString("dhcp = true\n")
	} else if net.VirtualIPv4 != "" {
		fmt.Fprintf(&b, "ipv4 = %q\n", net.VirtualIPv4)
	}
	b.WriteString("\n[network_identity]\n")
	fmt.Fprintf(&b, "network_name = %q\n", net.NetworkName)
	fmt.Fprintf(&b, "network_secret = %q\n", net.NetworkSecret)
	for _, peer := range net.Peers {
		b.WriteString("\n[[peer]]\n")
		fmt.Fprintf(&b, "uri = %q\n", peer)
	}
	for _, l := range net.Listeners {
		b.WriteString("\n[[listener]]\n")
		fmt.Fprintf(&b, "uri = %q\n", l)
	}
	return b.String()
}

// WriteCoreConfig atomically writes the rendered core config to the shared
// handoff path. World-readable so the helper's core subprocess can load it.
func WriteCoreConfig(path string, net NetworkConfig) error {
	if path == "" {
		return fmt.Errorf("core config path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteFile(path, []byte(RenderCoreConfig(net)), 0o644)
}

// atomicWriteFile writes via a temp file + rename so the helper never reads a
// half-written config.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
