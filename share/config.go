package olshare

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRelayURL is the public relay used when nothing else is configured
const DefaultRelayURL = "wss://onlocal.dev"

// Config represents a tunnel client configuration
type Config struct {
	// Port is the local port to expose
	Port int

	// RelayURL is the relay address; http(s) schemes are mapped to ws(s)
	RelayURL string

	// MaxConcurrent caps in-flight local requests
	MaxConcurrent int

	// LocalHost is the host the local server listens on
	LocalHost string

	// LocalTimeout bounds each local request; zero means no limit
	LocalTimeout time.Duration

	LogLevel LogLevel

	// LogOutput receives log output; nil means os.Stderr
	LogOutput io.Writer

	// OnTunnel is called on the client loop each time a new public URL is assigned
	OnTunnel func(publicURL string)
}

// FileConfig is the persisted client configuration file
type FileConfig struct {
	Tunnel struct {
		Domain string `yaml:"domain"`
	} `yaml:"tunnel"`
	Server struct {
		Port int `yaml:"port,omitempty"`
	} `yaml:"server"`
}

// DefaultFileConfig returns the configuration written when none exists
func DefaultFileConfig() *FileConfig {
	fc := &FileConfig{}
	fc.Tunnel.Domain = DefaultRelayURL
	return fc
}

// DefaultConfigPath returns ~/.onlocal/config.yml
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".onlocal", "config.yml"), nil
}

// LoadFileConfig reads path. A missing file is created with defaults. An
// unreadable or malformed file yields the defaults along with the error.
func LoadFileConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fc := DefaultFileConfig()
		return fc, SaveFileConfig(path, fc)
	}
	if err != nil {
		return DefaultFileConfig(), fmt.Errorf("config %s: %w", path, err)
	}
	fc := &FileConfig{}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return DefaultFileConfig(), fmt.Errorf("config %s: %w", path, err)
	}
	if fc.Tunnel.Domain == "" {
		fc.Tunnel.Domain = DefaultRelayURL
	}
	if fc.Server.Port < 0 || fc.Server.Port > 65535 {
		fc.Server.Port = 0
	}
	return fc, nil
}

// SaveFileConfig writes fc to path, creating its directory
func SaveFileConfig(path string, fc *FileConfig) error {
	b, err := yaml.Marshal(fc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ApplyEnv lets TUNNEL_DOMAIN override the configured relay
func (fc *FileConfig) ApplyEnv() {
	if v := os.Getenv("TUNNEL_DOMAIN"); v != "" {
		fc.Tunnel.Domain = v
	}
}
