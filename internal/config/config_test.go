package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eantcal/acsgwd/internal/config"
)

// writeConfig writes contents to a temp file and returns its path.
func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "acsgw.cfg")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadScenarioS6 mirrors spec scenario S6: a minimal
// [logical_address_range] section parses successfully.
func TestLoadScenarioS6(t *testing.T) {
	path := writeConfig(t, `
[tunnels]
list = "t0"

[t0]
bearers = "b0"
type = "udp"
local_address = "10.1.0.1"
remote_address = "10.1.0.2"

[b0]
local_address = "10.1.0.1"
remote_address = "10.1.0.2"

[logical_address_range]
first_ip="10.0.0.1"
last_ip="10.0.0.3"
ttl=7200
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogicalAddressRange.FirstIP.String() != "10.0.0.1" {
		t.Fatalf("first_ip = %s", cfg.LogicalAddressRange.FirstIP)
	}
	if cfg.LogicalAddressRange.LastIP.String() != "10.0.0.3" {
		t.Fatalf("last_ip = %s", cfg.LogicalAddressRange.LastIP)
	}
	if cfg.LogicalAddressRange.TTL.Seconds() != 7200 {
		t.Fatalf("ttl = %v", cfg.LogicalAddressRange.TTL)
	}
}

func TestLoadSingleTunnelSingleBearer(t *testing.T) {
	path := writeConfig(t, `
[tunnels]
list = "tun0"

[tun0]
bearers = "bearerA"
type = "gre"
port = 28774

[bearerA]
local_address = "10.0.0.1"
remote_address = "10.0.0.2"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Tunnels) != 1 {
		t.Fatalf("tunnels = %d, want 1", len(cfg.Tunnels))
	}
	tun := cfg.Tunnels[0]
	if tun.Name != "tun0" || len(tun.Bearers) != 1 {
		t.Fatalf("got %+v", tun)
	}
	b := tun.Bearers[0]
	if b.Type != config.BearerGRE || b.Port != 28774 {
		t.Fatalf("got %+v", b)
	}
}

func TestLoadRejectsUnknownBearerType(t *testing.T) {
	path := writeConfig(t, `
[tunnels]
list = "tun0"

[tun0]
bearers = "bearerA"
type = "sctp"

[bearerA]
local_address = "10.0.0.1"
remote_address = "10.0.0.2"
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unknown bearer type")
	}
}

func TestLoadRejectsEmptyTunnelList(t *testing.T) {
	path := writeConfig(t, `
[tunnels]
list = ""
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for empty tunnel list")
	}
}
