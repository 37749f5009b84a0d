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

package reboot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerFileMissingDenies(t *testing.T) {
	m := NewMarkerFile(filepath.Join(t.TempDir(), "nope.json"))
	d, err := m.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, DenyNoMarker, d.DenyKind)
}

func TestMarkerFileExpiredDenies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allowUntil": 1}`), 0o644))
	m := NewMarkerFile(path)
	m.now = func() time.Time { return time.Unix(1000, 0) }
	d, err := m.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, DenyMarkerExpired, d.DenyKind)
}

func TestMarkerFileEmptyObjectAllows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	m := NewMarkerFile(path)
	d, err := m.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMarkerFileFutureAllowUntilAllows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allowUntil": 99999999999}`), 0o644))
	m := NewMarkerFile(path)
	d, err := m.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMarkerFileWorldWritableDenies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	require.NoError(t, os.Chmod(path, 0o666)) // bypass umask to force the world-writable bit
	m := NewMarkerFile(path)
	d, err := m.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allow)
}
