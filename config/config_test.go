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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFragment(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestLoadAppliesDefaultsWithNoDropins(t *testing.T) {
	cfg, err := Load([]string{filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	assert.True(t, cfg.Updates.Enabled)
	assert.Equal(t, "immediate", cfg.Updates.Strategy)
}

func TestLoadMergesMultipleDirsLaterWins(t *testing.T) {
	vendor := t.TempDir()
	admin := t.TempDir()

	writeFragment(t, vendor, "10-base.toml", `
[cincinnati]
base_url = "https://vendor.example/graph"

[updates]
enabled = true
`)
	writeFragment(t, admin, "50-override.toml", `
[cincinnati]
base_url = "https://admin.example/graph"
`)

	cfg, err := Load([]string{vendor, admin})
	require.NoError(t, err)
	assert.Equal(t, "https://admin.example/graph", cfg.Cincinnati.BaseURL)
	assert.True(t, cfg.Updates.Enabled)
}

func TestLoadOrdersFragmentsLexicographicallyWithinDir(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "20-b.toml", `updates.strategy = "periodic"`)
	writeFragment(t, dir, "10-a.toml", `updates.strategy = "fleet_lock"`)

	cfg, err := Load([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, "periodic", cfg.Updates.Strategy)
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "10-bad.toml", `this is not valid toml [[[`)

	_, err := Load([]string{dir})
	require.Error(t, err)
}

func TestLoadIgnoresNonTomlFiles(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "README.md", `not a config fragment`)

	cfg, err := Load([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, Default().Cincinnati.BaseURL, cfg.Cincinnati.BaseURL)
}

func TestLoadMergesPeriodicWindows(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "10-periodic.toml", `
[updates]
strategy = "periodic"

[updates.periodic]
time_zone = "America/New_York"

[[updates.periodic.window]]
days = ["Mon", "Wed"]
start_time = "02:00"
length_minutes = 60
`)

	cfg, err := Load([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", cfg.Updates.Periodic.TimeZone)
	require.Len(t, cfg.Updates.Periodic.Window, 1)
	assert.Equal(t, []string{"Mon", "Wed"}, cfg.Updates.Periodic.Window[0].Days)
	assert.Equal(t, 60, cfg.Updates.Periodic.Window[0].LengthMinutes)
}

func TestLoadRejectsMalformedGroup(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "10-identity.toml", `
[identity]
group = "bad group!"
`)

	_, err := Load([]string{dir})
	require.Error(t, err)
}
