package config

import "github.com/danmuck/agentctl/internal/capability"

// CapabilityPolicy compiles the policy file into the form the default
// capability object enforces.
func (c PolicyConfig) CapabilityPolicy() (capability.Policy, error) {
	return capability.NewPolicy(c.AllowedNetworks, c.MaxCodeBytes, c.AllowedCodeDigests)
}
