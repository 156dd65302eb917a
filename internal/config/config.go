package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// PolicyConfig is the capability policy file.
type PolicyConfig struct {
	AllowedNetworks    []string `toml:"allowed_networks"`
	MaxCodeBytes       int      `toml:"max_code_bytes"`
	AllowedCodeDigests []string `toml:"allowed_code_digests"`
}

func LoadPolicy(path string) (PolicyConfig, error) {
	var cfg PolicyConfig
	if err := loadToml(path, &cfg); err != nil {
		return PolicyConfig{}, err
	}
	cfg.AllowedNetworks = normalizeList(cfg.AllowedNetworks)
	cfg.AllowedCodeDigests = normalizeList(cfg.AllowedCodeDigests)
	if err := ValidatePolicy(cfg); err != nil {
		return PolicyConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidatePolicy(cfg PolicyConfig) error {
	if cfg.MaxCodeBytes < 0 {
		return fmt.Errorf("policy max_code_bytes must be >= 0")
	}
	for i, n := range cfg.AllowedNetworks {
		if _, err := netip.ParsePrefix(n); err != nil {
			return fmt.Errorf("allowed_networks[%d] invalid: %w", i, err)
		}
	}
	for i, d := range cfg.AllowedCodeDigests {
		if len(d) != 64 {
			return fmt.Errorf("allowed_code_digests[%d] must be a 64 character hex digest", i)
		}
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
