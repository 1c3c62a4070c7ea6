package host

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// ServerConfig describes one tool server registration: how to spawn it and
// which of its tools the host exposes.
type ServerConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir         string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	// AutoStart starts the server as soon as it is registered.
	AutoStart bool `json:"autoStart,omitempty" yaml:"autoStart,omitempty"`

	// AllowedTools and DisallowedTools are glob patterns matched against
	// discovered tool names. A tool is exposed when it matches no
	// disallowed pattern and, if any allowed patterns are set, matches at
	// least one of them.
	AllowedTools    []string `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty" yaml:"disallowedTools,omitempty"`
}

// Validate checks the fields the host cannot function without.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server config missing id")
	}
	if c.Command == "" {
		return fmt.Errorf("server %q config missing command", c.ID)
	}
	for _, pat := range c.AllowedTools {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("server %q: bad allowed tool pattern %q", c.ID, pat)
		}
	}
	for _, pat := range c.DisallowedTools {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("server %q: bad disallowed tool pattern %q", c.ID, pat)
		}
	}
	return nil
}

// toolVisible reports whether a discovered tool name passes the config's
// allow/deny patterns. Deny wins over allow.
func (c ServerConfig) toolVisible(name string) bool {
	for _, pat := range c.DisallowedTools {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return false
		}
	}
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, pat := range c.AllowedTools {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}
