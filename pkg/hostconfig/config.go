// Package hostconfig loads the host's YAML configuration file and watches it
// for edits so a running host can pick up server changes without a restart.
package hostconfig

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jg-phare/mcphost/pkg/host"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// File is the on-disk host configuration. Server map keys are the server IDs.
type File struct {
	MaxRunning     int      `yaml:"maxRunning,omitempty"`
	RequestTimeout Duration `yaml:"requestTimeout,omitempty"`
	StopGrace      Duration `yaml:"stopGrace,omitempty"`
	RetryAttempts  int      `yaml:"retryAttempts,omitempty"`
	RetryDelay     Duration `yaml:"retryDelay,omitempty"`

	Servers map[string]host.ServerConfig `yaml:"servers"`
}

// Load reads and validates a config file. Map keys win over any id fields
// written inside the server blocks.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for id, cfg := range f.Servers {
		cfg.ID = id
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		f.Servers[id] = cfg
	}
	return &f, nil
}

// HostOptions translates the file's tuning knobs into host options.
func (f *File) HostOptions() []host.Option {
	var opts []host.Option
	if f.MaxRunning > 0 {
		opts = append(opts, host.WithMaxRunning(f.MaxRunning))
	}
	if f.RequestTimeout > 0 {
		opts = append(opts, host.WithRequestTimeout(time.Duration(f.RequestTimeout)))
	}
	if f.StopGrace > 0 {
		opts = append(opts, host.WithGraceWindow(time.Duration(f.StopGrace)))
	}
	if f.RetryAttempts > 0 {
		delay := host.DefaultRetryDelay
		if f.RetryDelay > 0 {
			delay = time.Duration(f.RetryDelay)
		}
		opts = append(opts, host.WithRetry(f.RetryAttempts, delay))
	} else if f.RetryDelay > 0 {
		opts = append(opts, host.WithRetry(host.DefaultRetryAttempts, time.Duration(f.RetryDelay)))
	}
	return opts
}

// ServerIDs returns the configured server IDs in sorted order.
func (f *File) ServerIDs() []string {
	ids := make([]string, 0, len(f.Servers))
	for id := range f.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
