package mcp

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Standard tool-discovery paths that are missing when the host is launched
// from Finder/launchd on macOS rather than a login shell. Servers installed
// via homebrew or language version managers live here.
var darwinFallbackPaths = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// launchEnv builds the environment for a spawned server: the host process's
// own environment overlaid with the config's overrides. On darwin the PATH
// is widened and identity/locale defaults are filled in so servers can find
// their own runtimes even when the host was not started from a shell.
func launchEnv(overrides map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	if runtime.GOOS == "darwin" {
		merged["PATH"] = widenPath(merged["PATH"])
		if merged["HOME"] == "" {
			if home, err := os.UserHomeDir(); err == nil {
				merged["HOME"] = home
			}
		}
		if merged["LANG"] == "" {
			merged["LANG"] = "en_US.UTF-8"
		}
	}

	for k, v := range overrides {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// widenPath appends any missing fallback directories to a PATH value.
func widenPath(path string) string {
	have := make(map[string]bool)
	for _, p := range strings.Split(path, ":") {
		have[p] = true
	}
	parts := []string{}
	if path != "" {
		parts = append(parts, path)
	}
	for _, p := range darwinFallbackPaths {
		if !have[p] {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}
