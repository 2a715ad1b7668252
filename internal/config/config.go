// Package config implements the Config Loader (C10): read the JSON
// configuration file, validate it, and produce the Registry-ready app
// list with ports assigned.
//
// It follows the Raw → Validated → Completed staged-options pattern the
// teacher's sessiongate/cmd/options.go uses for its flag-sourced options,
// adapted here to a JSON-file-sourced one: RawConfig is exactly what's on
// disk (plus documented defaults), Validate rejects a malformed file
// without touching the filesystem or network, and Complete runs port
// allocation and directory probing — the only steps with I/O or side
// effects — to build the final, Registry-ready CompletedConfig.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/appmux/appmux/internal/apptype"
	"github.com/appmux/appmux/internal/portalloc"
	"github.com/appmux/appmux/internal/registry"
	"github.com/appmux/appmux/internal/validate"
)

// RawAppConfig is one element of the "apps" array in the config file.
type RawAppConfig struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Resident   bool   `json:"resident"`
	HealthPath string `json:"health_path,omitempty"`
}

// RawConfig mirrors the on-disk JSON schema (spec.md §6), pre-populated
// with the documented defaults before the file is unmarshalled onto it so
// that keys the file omits keep their default value.
type RawConfig struct {
	Apps                   []RawAppConfig `json:"apps"`
	StartingPort           int            `json:"starting_port"`
	LogDir                 string         `json:"log_dir"`
	ProxyPort              int            `json:"proxy_port"`
	ProxyHost              string         `json:"proxy_host"`
	ManagementPort         int            `json:"management_port"`
	RestartDelaySeconds    int            `json:"restart_delay"`
	HealthCheckIntervalSec int            `json:"health_check_interval"`
}

func defaultRawConfig() RawConfig {
	return RawConfig{
		ProxyPort:              3838,
		ProxyHost:              "127.0.0.1",
		ManagementPort:         3839,
		RestartDelaySeconds:    5,
		HealthCheckIntervalSec: 10,
	}
}

var allowedProxyHosts = map[string]bool{
	"localhost": true, "127.0.0.1": true, "0.0.0.0": true, "::1": true, "::": true,
}

// Load reads and JSON-decodes path, starting from the documented
// defaults.
func Load(path string) (*RawConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := defaultRawConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidatedConfig is a RawConfig that has passed every structural and
// semantic check spec.md §6 requires; it still has no ports assigned.
type ValidatedConfig struct {
	raw RawConfig
}

// Validate rejects a RawConfig that can't produce a valid Registry state,
// with a precise error message per app.
func (raw RawConfig) Validate() (*ValidatedConfig, error) {
	if len(raw.Apps) == 0 {
		return nil, fmt.Errorf("config: \"apps\" must be a non-empty array")
	}
	if raw.StartingPort < 1 || raw.StartingPort > 65535 {
		return nil, fmt.Errorf("config: starting_port %d out of range 1-65535", raw.StartingPort)
	}
	if raw.LogDir == "" {
		return nil, fmt.Errorf("config: log_dir is required")
	}
	if !allowedProxyHosts[raw.ProxyHost] {
		return nil, fmt.Errorf("config: proxy_host %q is not one of localhost, 127.0.0.1, 0.0.0.0, ::1, ::", raw.ProxyHost)
	}
	if raw.ProxyPort < 1 || raw.ProxyPort > 65535 {
		return nil, fmt.Errorf("config: proxy_port %d out of range 1-65535", raw.ProxyPort)
	}
	if raw.ManagementPort < 1 || raw.ManagementPort > 65535 {
		return nil, fmt.Errorf("config: management_port %d out of range 1-65535", raw.ManagementPort)
	}
	if raw.ProxyPort == raw.ManagementPort {
		return nil, fmt.Errorf("config: proxy_port and management_port must differ")
	}

	seen := make(map[string]bool, len(raw.Apps))
	for _, app := range raw.Apps {
		if !validate.AppName(app.Name) {
			return nil, fmt.Errorf("config: app name %q does not match [A-Za-z0-9_-]{1,50}", app.Name)
		}
		if seen[app.Name] {
			return nil, fmt.Errorf("config: duplicate app name %q", app.Name)
		}
		seen[app.Name] = true
		if app.Path == "" {
			return nil, fmt.Errorf("config: app %q has no path", app.Name)
		}
	}

	return &ValidatedConfig{raw: raw}, nil
}

// CompletedConfig is a ValidatedConfig with ports assigned and AppKind
// decided; it is what the Registry is built from.
type CompletedConfig struct {
	Apps                 []registry.AppSpec
	LogDir               string
	ProxyHost            string
	ProxyPort            int
	ManagementPort       int
	RestartDelay         time.Duration
	HealthCheckInterval  time.Duration
}

// Complete runs port allocation and app-directory probing — the only
// steps in config loading that touch the filesystem or the network.
func (v *ValidatedConfig) Complete() (*CompletedConfig, error) {
	names := make([]string, len(v.raw.Apps))
	for i, app := range v.raw.Apps {
		names[i] = app.Name
	}

	reserved := map[int]bool{v.raw.ProxyPort: true, v.raw.ManagementPort: true}
	ports, err := portalloc.Allocate(names, v.raw.StartingPort, reserved)
	if err != nil {
		return nil, fmt.Errorf("allocating ports: %w", err)
	}

	specs := make([]registry.AppSpec, len(v.raw.Apps))
	for i, app := range v.raw.Apps {
		specs[i] = registry.AppSpec{
			Name:       app.Name,
			Path:       app.Path,
			Resident:   app.Resident,
			Port:       ports[app.Name],
			HealthPath: app.HealthPath,
			Kind:       apptype.Detect(app.Path),
		}
	}

	return &CompletedConfig{
		Apps:                specs,
		LogDir:              v.raw.LogDir,
		ProxyHost:           v.raw.ProxyHost,
		ProxyPort:           v.raw.ProxyPort,
		ManagementPort:      v.raw.ManagementPort,
		RestartDelay:        time.Duration(v.raw.RestartDelaySeconds) * time.Second,
		HealthCheckInterval: time.Duration(v.raw.HealthCheckIntervalSec) * time.Second,
	}, nil
}
