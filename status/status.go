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

// Package status publishes agent status: a short human-readable
// service status string, Prometheus metrics, and a dead-end MOTD
// fragment file. All three outputs are side-effect-only and
// idempotent per value.
package status

import (
	"os"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/prometheus/client_golang/prometheus"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "status")

// MotdPath is the well-known Fedora CoreOS MOTD fragment path whose
// presence/absence mirrors the booted release's dead-end status.
const MotdPath = "/run/motd.d/85-zincati-deadend.motd"

// motdPathOverride lets tests redirect the MOTD fragment write without
// touching /run.
var motdPathOverride = MotdPath

// Metrics holds the agent's exported gauges and counters.
type Metrics struct {
	UpdatesEnabled          prometheus.Gauge
	LastRefreshTimestamp    prometheus.Gauge
	LatestStateChangeTime   prometheus.Gauge
	BootedReleaseIsDeadend  prometheus.Gauge
	UpdateChecksErrorsTotal *prometheus.CounterVec
	IdentityOSInfo          *prometheus.GaugeVec
	IdentityRolloutWariness prometheus.Gauge
}

// NewMetrics registers and returns the metrics set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpdatesEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zincati_updates_enabled",
			Help: "Whether automatic updates are enabled.",
		}),
		LastRefreshTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zincati_last_refresh_timestamp",
			Help: "Unix timestamp of the last successful graph refresh.",
		}),
		LatestStateChangeTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zincati_latest_state_change_timestamp",
			Help: "Unix timestamp of the latest FSM state transition.",
		}),
		BootedReleaseIsDeadend: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zincati_booted_release_is_deadend",
			Help: "Whether the currently booted release is a dead-end.",
		}),
		UpdateChecksErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zincati_update_checks_errors_total",
			Help: "Count of update check errors by kind.",
		}, []string{"kind"}),
		IdentityOSInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zincati_identity_os_info",
			Help: "Static info about the agent's OS identity.",
		}, []string{"basearch", "stream", "platform", "os_version"}),
		IdentityRolloutWariness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zincati_identity_rollout_wariness",
			Help: "Configured client rollout wariness.",
		}),
	}

	reg.MustRegister(
		m.UpdatesEnabled,
		m.LastRefreshTimestamp,
		m.LatestStateChangeTime,
		m.BootedReleaseIsDeadend,
		m.UpdateChecksErrorsTotal,
		m.IdentityOSInfo,
		m.IdentityRolloutWariness,
	)

	return m
}

// Sink publishes the three status outputs. It tracks previously
// published values so each is idempotent (no redundant file
// writes/log lines for an unchanged value).
type Sink struct {
	metrics *Metrics

	mu           sync.Mutex
	lastText     string
	lastMotd     bool
	motdInitDone bool
	observer     func(text string)
}

// NewSink returns a Sink backed by the given metrics set.
func NewSink(m *Metrics) *Sink {
	return &Sink{metrics: m}
}

// SetStatusObserver registers fn to be called, from the FSM's own
// goroutine, every time SetServiceStatus publishes a changed value.
// This lets ambient surfaces (the D-Bus status object) mirror the
// FSM's status without themselves reading FSM-owned state from another
// goroutine: the FSM remains the sole owner of its own state.
func (s *Sink) SetStatusObserver(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// SetServiceStatus publishes a short human-readable status string,
// logging it only when it changes from the last published value.
func (s *Sink) SetServiceStatus(text string) {
	s.mu.Lock()
	if text == s.lastText {
		s.mu.Unlock()
		return
	}
	s.lastText = text
	observer := s.observer
	s.mu.Unlock()

	plog.Infof("status: %s", text)
	if observer != nil {
		observer(text)
	}
}

// LastServiceStatus returns the most recently published status text.
func (s *Sink) LastServiceStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastText
}

// SetDeadend mirrors the booted release's dead-end status into the
// MOTD fragment file and the booted_release_is_deadend metric,
// idempotently: the file is only written/removed when the status
// actually changes.
func (s *Sink) SetDeadend(isDeadend bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.motdInitDone && isDeadend == s.lastMotd {
		return nil
	}

	if isDeadend {
		plog.Warningf("booted release is a dead-end; writing MOTD fragment %s", motdPathOverride)
		if err := os.WriteFile(motdPathOverride, []byte("This release is a dead-end: no further updates will be offered.\n"), 0o644); err != nil {
			return err
		}
	} else if s.motdInitDone {
		if err := os.Remove(motdPathOverride); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	s.lastMotd = isDeadend
	s.motdInitDone = true

	if s.metrics != nil {
		if isDeadend {
			s.metrics.BootedReleaseIsDeadend.Set(1)
		} else {
			s.metrics.BootedReleaseIsDeadend.Set(0)
		}
	}

	return nil
}
