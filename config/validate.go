package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate rejects configurations that cannot produce a working node.
func (cfg *Config) Validate() error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("ListenAddress %q is not host:port: %w", cfg.ListenAddress, err)
	}
	switch cfg.DisplayMode {
	case "peacetime", "underground":
	default:
		return fmt.Errorf("DisplayMode must be peacetime or underground, got %q", cfg.DisplayMode)
	}
	switch cfg.NodeType {
	case "individual", "church", "mission", "family", "organization":
	default:
		return fmt.Errorf("NodeType must be one of individual, church, mission, family or organization, got %q", cfg.NodeType)
	}
	for _, authority := range cfg.SeedAuthorities {
		if strings.TrimSpace(authority.Domain) == "" || strings.TrimSpace(authority.PublicKey) == "" {
			return fmt.Errorf("seed authorities require both Domain and PublicKey")
		}
	}
	return nil
}
