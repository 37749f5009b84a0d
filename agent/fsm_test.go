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

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/zincati-go/cincinnati"
	"github.com/coreos/zincati-go/deployments"
	"github.com/coreos/zincati-go/identity"
	"github.com/coreos/zincati-go/reboot"
	"github.com/coreos/zincati-go/status"
)

type fakeRunner struct {
	statusJSON       []byte
	stagedStatusJSON []byte
	stageErr         error
	finalizeErr      error
	staged           string
	finalized        string
	cleanedUp        bool
}

func (r *fakeRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	switch {
	case len(args) > 0 && args[0] == "status":
		if r.staged != "" && r.stagedStatusJSON != nil {
			return r.stagedStatusJSON, nil
		}
		return r.statusJSON, nil
	case len(args) > 0 && args[0] == "deploy":
		if r.stageErr != nil {
			return nil, r.stageErr
		}
		r.staged = args[len(args)-1]
		return nil, nil
	case len(args) > 0 && args[0] == "finalize-deployment":
		if r.finalizeErr != nil {
			return nil, r.finalizeErr
		}
		r.finalized = args[len(args)-1]
		return nil, nil
	case len(args) > 0 && args[0] == "cleanup":
		r.cleanedUp = true
		return nil, nil
	default:
		return nil, nil
	}
}

func bootedStatusJSON(version, checksum string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"deployments": []map[string]interface{}{
			{"version": version, "checksum": checksum, "booted": true},
		},
	})
	return b
}

func newTestFSM(t *testing.T, runner *fakeRunner, graphSrv *httptest.Server, cfg Config) *FSM {
	t.Helper()
	id := &identity.Identity{
		NodeID:     "node1",
		Group:      "default",
		Basearch:   "x86_64",
		Stream:     "stable",
		OSVersion:  "35.20220101.3.0",
		OSChecksum: "booted-checksum",
		PlatformID: "metal",
	}

	gc := cincinnati.NewClient(graphSrv.URL, time.Second, 2*time.Second)
	dc := deployments.NewClientWithRunner(runner)
	reg := prometheus.NewRegistry()
	metrics := status.NewMetrics(reg)
	sink := status.NewSink(metrics)

	f := New(id, gc, dc, reboot.Immediate{}, sink, metrics, cfg)
	return f
}

func graphServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestInitializingFailsWithoutBootedDeployment(t *testing.T) {
	runner := &fakeRunner{statusJSON: []byte(`{"deployments":[]}`)}
	srv := graphServer(t, `{"nodes":[],"edges":[]}`)
	defer srv.Close()

	f := newTestFSM(t, runner, srv, DefaultConfig())
	_, err := f.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateEndOfLife, f.State())
	assert.Error(t, f.FatalErr())
}

func TestUpdatesDisabledStaysIdle(t *testing.T) {
	runner := &fakeRunner{statusJSON: bootedStatusJSON("35.20220101.3.0", "booted-checksum")}
	srv := graphServer(t, `{"nodes":[],"edges":[]}`)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UpdatesEnabled = false
	f := newTestFSM(t, runner, srv, cfg)

	_, err := f.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUpdatesDisabled, f.State())
}

func TestFullCycleStagesAndFinalizes(t *testing.T) {
	runner := &fakeRunner{statusJSON: bootedStatusJSON("35.20220101.3.0", "booted-checksum")}
	graphBody := `{
		"nodes": [
			{"version": "35.20220101.3.0", "payload": "booted-checksum", "metadata": {"org.fedoraproject.coreos.scheme": "checksum", "org.fedoraproject.coreos.releases.age_index": "0"}},
			{"version": "35.20220201.3.0", "payload": "new-checksum", "metadata": {"org.fedoraproject.coreos.scheme": "checksum", "org.fedoraproject.coreos.releases.age_index": "1"}}
		],
		"edges": [[0, 1]]
	}`
	srv := graphServer(t, graphBody)
	defer srv.Close()

	f := newTestFSM(t, runner, srv, DefaultConfig())

	// Initializing -> Steady.
	_, err := f.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateSteady, f.State())

	// Steady -> discovers target -> Staging -> Staged -> ReadyToFinalize,
	// all within one Tick call since those transitions are immediate.
	_, err = f.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReadyToFinalize, f.State())
	assert.Equal(t, "new-checksum", runner.staged)

	// ReadyToFinalize -> Immediate strategy allows -> Finalizing -> success.
	_, err = f.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-checksum", runner.finalized)
}

func TestStagingMismatchDenylistsAndReturnsToSteady(t *testing.T) {
	runner := &fakeRunner{
		statusJSON: bootedStatusJSON("35.20220101.3.0", "booted-checksum"),
		stageErr:   assertErr("Old and new refs are equal, no update required"),
	}
	graphBody := `{
		"nodes": [
			{"version": "35.20220101.3.0", "payload": "booted-checksum", "metadata": {"org.fedoraproject.coreos.scheme": "checksum", "org.fedoraproject.coreos.releases.age_index": "0"}},
			{"version": "35.20220201.3.0", "payload": "new-checksum", "metadata": {"org.fedoraproject.coreos.scheme": "checksum", "org.fedoraproject.coreos.releases.age_index": "1"}}
		],
		"edges": [[0, 1]]
	}`
	srv := graphServer(t, graphBody)
	defer srv.Close()

	f := newTestFSM(t, runner, srv, DefaultConfig())
	_, err := f.Tick(context.Background())
	require.NoError(t, err)
	_, err = f.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateSteady, f.State())
	assert.True(t, f.Denylist.Contains("new-checksum"))
}

func TestWrongStreamStagedAbandonsUpdate(t *testing.T) {
	stagedStatus, _ := json.Marshal(map[string]interface{}{
		"deployments": []map[string]interface{}{
			{"version": "35.20220201.3.0", "checksum": "new-checksum", "staged": true,
				"base-commit-meta": map[string]string{"fedora-coreos.stream": "unknown-stream"}},
			{"version": "35.20220101.3.0", "checksum": "booted-checksum", "booted": true},
		},
	})
	runner := &fakeRunner{
		statusJSON:       bootedStatusJSON("35.20220101.3.0", "booted-checksum"),
		stagedStatusJSON: stagedStatus,
	}
	graphBody := `{
		"nodes": [
			{"version": "35.20220101.3.0", "payload": "booted-checksum", "metadata": {"org.fedoraproject.coreos.scheme": "checksum", "org.fedoraproject.coreos.releases.age_index": "0"}},
			{"version": "35.20220201.3.0", "payload": "new-checksum", "metadata": {"org.fedoraproject.coreos.scheme": "checksum", "org.fedoraproject.coreos.releases.age_index": "1"}}
		],
		"edges": [[0, 1]]
	}`
	srv := graphServer(t, graphBody)
	defer srv.Close()

	f := newTestFSM(t, runner, srv, DefaultConfig())
	_, err := f.Tick(context.Background())
	require.NoError(t, err)
	_, err = f.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateSteady, f.State())
	assert.True(t, f.Denylist.Contains("new-checksum"), "a wrong-stream payload must be denylisted")
	assert.True(t, runner.cleanedUp, "the abandoned pending deployment must be cleaned up")
	assert.Empty(t, runner.finalized)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
