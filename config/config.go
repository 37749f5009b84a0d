// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the agent's layered TOML configuration from a
// fixed set of dropin directories: fragments merge in lexicographic
// order within a directory, and later directories win over earlier
// ones, the same layering convention systemd and Ignition use for
// their own unit and config dropins.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "config")

var groupPattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// DefaultDropinDirs lists the search paths in increasing priority
// order: distro defaults, vendor overrides, then local admin
// overrides win last.
var DefaultDropinDirs = []string{
	"/usr/lib/zincati/config.d",
	"/run/zincati/config.d",
	"/etc/zincati/config.d",
}

// Identity holds the `[identity]` overrides: fields the agent would
// otherwise derive from OS introspection.
type Identity struct {
	Group           string   `toml:"group"`
	NodeUUID        string   `toml:"node_uuid"`
	RolloutWariness *float64 `toml:"rollout_wariness"`
}

// PeriodicWindow mirrors a `[[updates.periodic.window]]` entry.
type PeriodicWindow struct {
	Days          []string `toml:"days"`
	StartTime     string   `toml:"start_time"`
	LengthMinutes int      `toml:"length_minutes"`
}

// Periodic configures the `[updates.periodic]` section.
type Periodic struct {
	TimeZone string           `toml:"time_zone"`
	Window   []PeriodicWindow `toml:"window"`
}

// FleetLock configures the `[updates.fleet_lock]` section.
type FleetLock struct {
	BaseURL string `toml:"base_url"`
}

// MarkerFile configures the `[updates.marker_file]` section, one of
// several one-section-per-strategy sub-tables under `[updates]`.
type MarkerFile struct {
	Path string `toml:"path"`
}

// Updates is the `[updates]` section: whether and how automatic
// updates run, plus one sub-section per finalization strategy.
type Updates struct {
	Enabled        bool       `toml:"enabled"`
	Strategy       string     `toml:"strategy"`
	AllowDowngrade bool       `toml:"allow_downgrade"`
	FleetLock      FleetLock  `toml:"fleet_lock"`
	Periodic       Periodic   `toml:"periodic"`
	MarkerFile     MarkerFile `toml:"marker_file"`
}

// Cincinnati configures the `[cincinnati]` update-graph endpoint.
type Cincinnati struct {
	BaseURL string `toml:"base_url"`
}

// Config is the fully merged agent configuration.
type Config struct {
	Identity   Identity   `toml:"identity"`
	Updates    Updates    `toml:"updates"`
	Cincinnati Cincinnati `toml:"cincinnati"`
}

// Default returns the built-in baseline configuration, applied before
// any dropin is merged in.
func Default() Config {
	return Config{
		Updates: Updates{
			Enabled:  true,
			Strategy: "immediate",
		},
		Cincinnati: Cincinnati{
			BaseURL: "https://updates.coreos.fedoraproject.org",
		},
	}
}

// Load walks dirs in order and merges every *.toml fragment found,
// files within a directory sorted lexicographically, directories
// themselves processed in the order given (so later dirs in the slice
// win over earlier ones, and a later admin override overrides an
// earlier vendor default). Missing directories are skipped silently.
func Load(dirs []string) (Config, error) {
	cfg := Default()

	var fragments []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, errors.Wrapf(err, "reading config dropin dir %q", dir)
		}

		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			fragments = append(fragments, filepath.Join(dir, name))
		}
	}

	for _, path := range fragments {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "reading config fragment %q", path)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing config fragment %q", path)
		}
		plog.Debugf("merged config fragment %s", path)
	}

	if cfg.Identity.Group != "" {
		if err := validateGroup(cfg.Identity.Group); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// LoadDefaultDirs is a convenience wrapper around Load using
// DefaultDropinDirs.
func LoadDefaultDirs() (Config, error) {
	return Load(DefaultDropinDirs)
}

func validateGroup(group string) error {
	if !groupPattern.MatchString(group) {
		return errors.Errorf("identity.group %q does not match %s", group, groupPattern.String())
	}
	return nil
}
