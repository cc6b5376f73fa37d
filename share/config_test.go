package olshare

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFileConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".onlocal", "config.yml")
	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if fc.Tunnel.Domain != DefaultRelayURL {
		t.Errorf("domain = %q", fc.Tunnel.Domain)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if !strings.Contains(string(b), "domain: "+DefaultRelayURL) {
		t.Errorf("written config:\n%s", b)
	}
}

func TestLoadFileConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	os.WriteFile(path, []byte("tunnel:\n  domain: ws://localhost:8787\nserver:\n  port: 3000\n"), 0o644)
	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if fc.Tunnel.Domain != "ws://localhost:8787" || fc.Server.Port != 3000 {
		t.Errorf("got %+v", fc)
	}
}

func TestLoadFileConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	os.WriteFile(path, []byte("tunnel: [unclosed"), 0o644)
	fc, err := LoadFileConfig(path)
	if err == nil {
		t.Error("malformed config accepted")
	}
	if fc == nil || fc.Tunnel.Domain != DefaultRelayURL {
		t.Errorf("malformed config should fall back to defaults, got %+v", fc)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TUNNEL_DOMAIN", "wss://relay.example.com")
	t.Setenv("ONLOCAL_ADDR", ":9999")

	fc := DefaultFileConfig()
	fc.ApplyEnv()
	if fc.Tunnel.Domain != "wss://relay.example.com" {
		t.Errorf("client domain = %q", fc.Tunnel.Domain)
	}

	sc := &ServerConfig{Addr: ":8787", Domain: "localhost"}
	sc.ApplyEnv()
	if sc.Domain != "wss://relay.example.com" || sc.Addr != ":9999" {
		t.Errorf("server config = %+v", sc)
	}
}
