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

package status

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*Sink, *Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	return NewSink(m), m
}

func TestSetServiceStatusIdempotent(t *testing.T) {
	sink, _ := newTestSink(t)
	sink.SetServiceStatus("checking for update")
	require.Equal(t, "checking for update", sink.LastServiceStatus())
	sink.SetServiceStatus("checking for update")
	require.Equal(t, "checking for update", sink.LastServiceStatus())
	sink.SetServiceStatus("steady")
	require.Equal(t, "steady", sink.LastServiceStatus())
}

func TestSetServiceStatusNotifiesObserverOnlyOnChange(t *testing.T) {
	sink, _ := newTestSink(t)

	var seen []string
	sink.SetStatusObserver(func(text string) { seen = append(seen, text) })

	sink.SetServiceStatus("checking for update")
	sink.SetServiceStatus("checking for update")
	sink.SetServiceStatus("steady")

	require.Equal(t, []string{"checking for update", "steady"}, seen)
}

func TestSetDeadendWritesAndRemovesMotd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "85-zincati-deadend.motd")
	orig := motdPathOverride
	motdPathOverride = path
	defer func() { motdPathOverride = orig }()

	sink, m := newTestSink(t)

	require.NoError(t, sink.SetDeadend(true))
	_, err := os.Stat(path)
	require.NoError(t, err)
	assertGaugeEquals(t, m.BootedReleaseIsDeadend, 1)

	require.NoError(t, sink.SetDeadend(false))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	assertGaugeEquals(t, m.BootedReleaseIsDeadend, 0)
}

func assertGaugeEquals(t *testing.T, g prometheus.Gauge, want float64) {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, g.Write(&metric))
	require.Equal(t, want, metric.GetGauge().GetValue())
}

func TestServerServesMetrics(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "status.sock")

	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	srv := NewServer(sockPath, reg)
	require.NoError(t, srv.Start())
	defer srv.Shutdown(context.Background())

	client := http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
	}
	resp, err := client.Get("http://unix/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "zincati_updates_enabled")
}
