package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the omnid node configuration.
type Config struct {
	// ListenAddress is the TCP address accepting inbound handshakes.
	ListenAddress string `toml:"ListenAddress"`
	// AdvertisePort is the port announced in LAN advertisements. When zero
	// it is derived from ListenAddress.
	AdvertisePort int `toml:"AdvertisePort"`
	// MetricsAddress serves Prometheus metrics when non-empty.
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	IdentityPath   string `toml:"IdentityPath"`
	// CodesDSN selects the connection-code backend: a sqlite file path or a
	// postgres:// URL.
	CodesDSN string `toml:"CodesDSN"`
	LogFile  string `toml:"LogFile"`

	InstanceName string `toml:"InstanceName"`
	DisplayName  string `toml:"DisplayName"`
	DisplayMode  string `toml:"DisplayMode"`
	// NodeType categorises this node in the trust directory.
	NodeType     string   `toml:"NodeType"`
	Capabilities []string `toml:"Capabilities"`
	Version      string   `toml:"Version"`
	// Hub advertises this node for discovery at startup.
	Hub bool `toml:"Hub"`

	// ReplayCapacity bounds the shared nonce cache.
	ReplayCapacity int `toml:"ReplayCapacity"`
	// BrowseIntervalSeconds is the mDNS browse cycle length.
	BrowseIntervalSeconds int `toml:"BrowseIntervalSeconds"`
	// DeviceTTLSeconds evicts discovered devices that stop advertising.
	DeviceTTLSeconds int `toml:"DeviceTTLSeconds"`
	// MaxDialAttempts caps reconnection attempts per discovered device.
	MaxDialAttempts int `toml:"MaxDialAttempts"`

	// StaticSeeds lists fixed bootstrap peers as "peerID@host:port".
	StaticSeeds []string `toml:"StaticSeeds"`
	// SeedAuthorities lists DNS domains publishing signed seed records for
	// WAN bootstrap. Empty disables seed lookup.
	SeedAuthorities []SeedAuthority `toml:"SeedAuthorities"`
}

// SeedAuthority names a DNS zone and the Ed25519 key its records are signed with.
type SeedAuthority struct {
	Domain    string `toml:"Domain"`
	PublicKey string `toml:"PublicKey"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = "0.0.0.0:8765"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir(path)
	}
	if strings.TrimSpace(cfg.IdentityPath) == "" {
		cfg.IdentityPath = filepath.Join(cfg.DataDir, "identity.json")
	}
	if strings.TrimSpace(cfg.CodesDSN) == "" {
		cfg.CodesDSN = filepath.Join(cfg.DataDir, "codes.db")
	}
	if strings.TrimSpace(cfg.InstanceName) == "" {
		cfg.InstanceName = "omnimesh-node"
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = cfg.InstanceName
	}
	if strings.TrimSpace(cfg.DisplayMode) == "" {
		cfg.DisplayMode = "peacetime"
	}
	if strings.TrimSpace(cfg.NodeType) == "" {
		cfg.NodeType = "individual"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "0.1.0"
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = []string{}
	}
	if cfg.BrowseIntervalSeconds <= 0 {
		cfg.BrowseIntervalSeconds = 5
	}
	if cfg.DeviceTTLSeconds <= 0 {
		cfg.DeviceTTLSeconds = 300
	}
	if cfg.MaxDialAttempts <= 0 {
		cfg.MaxDialAttempts = 8
	}
}

func defaultDataDir(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "" || dir == "." {
		return "./data"
	}
	return filepath.Join(dir, "data")
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create config file: %w", err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}
