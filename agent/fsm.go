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

// Package agent ties identity, cincinnati, graph, deployments, reboot,
// and status together into the tick-driven update agent FSM. The FSM
// is single-threaded cooperative: a caller drives it by repeatedly
// calling Tick (or Run, which self-schedules Tick calls with jittered
// backoff), and all mutable state belongs exclusively to the FSM.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/zincati-go/cincinnati"
	"github.com/coreos/zincati-go/deployments"
	"github.com/coreos/zincati-go/graph"
	"github.com/coreos/zincati-go/identity"
	"github.com/coreos/zincati-go/reboot"
	"github.com/coreos/zincati-go/status"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "agent")

// Config holds the FSM's policy knobs, all configurable.
type Config struct {
	UpdatesEnabled bool
	AllowDowngrade bool

	// TickPeriod is the baseline interval between Steady ticks
	// (default ~5 minutes).
	TickPeriod time.Duration
	// MaxBackoff caps the exponential backoff applied after
	// consecutive transient failures.
	MaxBackoff time.Duration
	// DenylistPath is where the denylist is persisted, best-effort,
	// across restarts. Empty disables persistence.
	DenylistPath string
}

// DefaultConfig returns the agent's documented default configuration.
func DefaultConfig() Config {
	return Config{
		UpdatesEnabled: true,
		TickPeriod:     5 * time.Minute,
		MaxBackoff:     60 * time.Minute,
	}
}

// FSM is the update agent state machine.
type FSM struct {
	Identity    *identity.Identity
	Graph       *cincinnati.Client
	Deployments *deployments.Client
	Strategy    reboot.Strategy
	Status      *status.Sink
	Metrics     *status.Metrics
	Denylist    *Denylist
	Config      Config

	now func() time.Time

	state    State
	target   *graph.Node
	fatalErr error
	backoff  *backoff.ExponentialBackOff
}

// New builds an FSM in its initial Initializing state.
func New(id *identity.Identity, gc *cincinnati.Client, dc *deployments.Client, strat reboot.Strategy, sink *status.Sink, metrics *status.Metrics, cfg Config) *FSM {
	return &FSM{
		Identity:    id,
		Graph:       gc,
		Deployments: dc,
		Strategy:    strat,
		Status:      sink,
		Metrics:     metrics,
		Denylist:    NewDenylist(),
		Config:      cfg,
		now:         time.Now,
		state:       StateInitializing,
		backoff:     newTickBackoff(cfg.TickPeriod, cfg.MaxBackoff),
	}
}

// State reports the FSM's current state (for tests and status
// reporting).
func (f *FSM) State() State { return f.state }

// FatalErr returns the error that drove the FSM to EndOfLife, if any.
func (f *FSM) FatalErr() error { return f.fatalErr }

// Run drives the FSM until ctx is canceled, self-scheduling each Tick
// after the delay the previous Tick returned: ticks are scheduled by
// the FSM sending itself a delayed message, never by wall-clock
// polling of a shared variable.
func (f *FSM) Run(ctx context.Context) error {
	delay := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		next, err := f.Tick(ctx)
		if err != nil {
			return err
		}
		delay = next
	}
}

// Tick performs one scheduled step and returns the delay before the
// next one should run. Transitions that don't need a tick boundary of
// their own — UpdateAvailable into Staging, Staged into
// ReadyToFinalize, an Allow decision into Finalizing — run inline
// within the same Tick call; Initializing, Steady, and
// ReadyToFinalize each consume exactly one Tick call.
func (f *FSM) Tick(ctx context.Context) (time.Duration, error) {
	for {
		switch f.state {
		case StateInitializing:
			// Initializing consumes its own Tick call; the next call
			// runs Steady (or UpdatesDisabled).
			_, delay := f.stepInitializing(ctx)
			return delay, nil
		case StateUpdatesDisabled:
			f.writeStatus("automatic updates are disabled")
			return f.Config.TickPeriod, nil
		case StateEndOfLife:
			f.writeStatus(fmt.Sprintf("fatal error, no longer ticking: %v", f.fatalErr))
			return f.Config.TickPeriod, nil
		case StateSteady:
			delay, err := f.stepSteady(ctx)
			if err != nil || f.state != StateUpdateAvailable {
				return delay, err
			}
		case StateUpdateAvailable:
			f.state = StateStaging
		case StateStaging:
			delay, err := f.stepStaging(ctx)
			if err != nil || f.state != StateStaged {
				return delay, err
			}
		case StateStaged:
			f.state = StateReadyToFinalize
			f.writeStatus(fmt.Sprintf("update staged: %s", f.target.Version))
			return 0, nil
		case StateReadyToFinalize:
			return f.stepReadyToFinalize(ctx)
		case StateFinalizing:
			return f.stepFinalizing(ctx)
		default:
			return f.Config.TickPeriod, errors.Errorf("agent: unknown state %v", f.state)
		}
	}
}

// stepInitializing validates identity and configuration, runs the
// strategy's init hook, and queries deployments to confirm the booted
// deployment reports the metadata the agent needs.
func (f *FSM) stepInitializing(ctx context.Context) (done bool, delay time.Duration) {
	if f.Identity == nil {
		f.fail(errors.New("agent: identity was never built"))
		return true, f.Config.TickPeriod
	}

	if err := f.Strategy.Init(ctx); err != nil {
		plog.Warningf("finalization strategy init failed: %v", err)
	}

	deps, err := f.Deployments.QueryStatus(ctx)
	if err != nil {
		f.writeStatus("initialization failed querying deployments, retrying")
		return true, f.backoff.NextBackOff()
	}

	var booted *deployments.Deployment
	for i := range deps {
		if deps[i].Booted {
			booted = &deps[i]
			break
		}
	}
	if booted == nil || booted.Payload == "" || booted.Version == "" {
		f.fail(errors.New("agent: booted deployment is missing required metadata"))
		return true, f.Config.TickPeriod
	}

	f.backoff.Reset()
	if f.Metrics != nil {
		f.Metrics.IdentityOSInfo.WithLabelValues(f.Identity.Basearch, f.Identity.Stream, f.Identity.PlatformID, f.Identity.OSVersion).Set(1)
		f.Metrics.IdentityRolloutWariness.Set(f.Identity.Wariness())
	}

	if !f.Config.UpdatesEnabled {
		f.state = StateUpdatesDisabled
		if f.Metrics != nil {
			f.Metrics.UpdatesEnabled.Set(0)
		}
		f.writeStatus("initialization complete, automatic updates disabled")
		return false, 0
	}

	if f.Metrics != nil {
		f.Metrics.UpdatesEnabled.Set(1)
	}
	f.state = StateSteady
	f.writeStatus("initialization complete, entering steady state")
	return false, 0
}

// stepSteady fetches the graph, resolves a target, and either moves
// on to staging it or stays in Steady with backoff.
func (f *FSM) stepSteady(ctx context.Context) (time.Duration, error) {
	id := cincinnati.Identity{
		Basearch:        f.Identity.Basearch,
		Stream:          f.Identity.Stream,
		NodeUUID:        f.Identity.NodeID,
		OSVersion:       f.Identity.OSVersion,
		OSChecksum:      f.Identity.OSChecksum,
		Group:           f.Identity.Group,
		RolloutWariness: f.Identity.RolloutWariness,
		Platform:        f.Identity.PlatformID,
	}

	g, err := f.Graph.FetchGraph(ctx, id)
	if err != nil {
		f.recordCheckError(kindOf(err))
		f.writeStatus(fmt.Sprintf("error fetching update graph: %v", err))
		return f.backoff.NextBackOff(), nil
	}
	if f.Metrics != nil {
		f.Metrics.LastRefreshTimestamp.Set(float64(f.now().Unix()))
	}

	outcome, err := graph.Resolve(g, f.Identity.OSChecksum, graph.ClientIdentity{
		NodeID:   f.Identity.NodeID,
		Basearch: f.Identity.Basearch,
		Wariness: f.Identity.Wariness(),
	}, f.Denylist, graph.Options{AllowDowngrade: f.Config.AllowDowngrade})
	if err != nil {
		f.recordCheckError(resolveErrorKind(err))
		f.writeStatus(fmt.Sprintf("error resolving update graph: %v", err))
		return f.backoff.NextBackOff(), nil
	}

	f.backoff.Reset()

	if outcome.NoUpdateReason == graph.DeadEnd {
		if err := f.Status.SetDeadend(true); err != nil {
			plog.Warningf("updating dead-end status: %v", err)
		}
		f.writeStatus(fmt.Sprintf("booted release is a dead-end: %s", outcome.DeadendReason))
		return f.backoff.NextBackOff(), nil
	}
	if err := f.Status.SetDeadend(false); err != nil {
		plog.Warningf("updating dead-end status: %v", err)
	}

	if outcome.Target == nil {
		f.writeStatus(fmt.Sprintf("periodically polling for updates (last checked %s)", f.now().Format(time.RFC3339)))
		return f.backoff.NextBackOff(), nil
	}

	target := *outcome.Target
	f.target = &target
	f.state = StateUpdateAvailable
	f.writeStatus(fmt.Sprintf("update available: %s", target.Version))
	return 0, nil
}

// stepStaging calls the deployments client to stage the target.
func (f *FSM) stepStaging(ctx context.Context) (time.Duration, error) {
	target := f.target
	err := f.Deployments.Stage(ctx, target.Payload)
	if err == nil {
		if !f.verifyStagedStream(ctx, target) {
			return 0, nil
		}
		f.backoff.Reset()
		f.state = StateStaged
		return 0, nil
	}

	var mismatch *deployments.MismatchError
	if errors.As(err, &mismatch) {
		f.Denylist.Add(target.Payload)
		f.persistDenylist()
		f.recordCheckError("mismatch")
		f.state = StateSteady
		f.target = nil
		f.writeStatus(fmt.Sprintf("staging mismatch, denylisting %s", target.Payload))
		return 0, nil
	}

	f.recordCheckError(kindOf(err))
	f.state = StateSteady
	f.writeStatus(fmt.Sprintf("staging failed, retrying: %v", err))
	return f.backoff.NextBackOff(), nil
}

// verifyStagedStream checks that the deployment the daemon actually
// staged carries the agent's own update stream. A commit from another
// stream is abandoned: the payload is denylisted, the pending
// deployment cleaned up, and the FSM returns to Steady. Reports false
// when the update was abandoned.
func (f *FSM) verifyStagedStream(ctx context.Context, target *graph.Node) bool {
	deps, err := f.Deployments.QueryStatus(ctx)
	if err != nil {
		plog.Warningf("querying deployments after staging: %v", err)
		return true
	}

	for i := range deps {
		d := &deps[i]
		if !d.Staged || d.Payload != target.Payload {
			continue
		}
		stream := d.BaseMetadata["fedora-coreos.stream"]
		if stream == "" || stream == f.Identity.Stream {
			return true
		}

		plog.Warningf("deployed an update on different update stream, abandoning update %s", target.Version)
		f.Denylist.Add(target.Payload)
		f.persistDenylist()
		f.recordCheckError("wrong_stream")
		if err := f.Deployments.CleanupPending(ctx); err != nil {
			plog.Warningf("cleaning up abandoned deployment: %v", err)
		}
		f.state = StateSteady
		f.target = nil
		f.writeStatus(fmt.Sprintf("abandoned update %s staged from stream %q", target.Version, stream))
		return false
	}

	return true
}

// stepReadyToFinalize asks the strategy whether finalization may
// proceed right now.
func (f *FSM) stepReadyToFinalize(ctx context.Context) (time.Duration, error) {
	decision, err := f.Strategy.CanFinalize(ctx)
	if err != nil {
		f.writeStatus(fmt.Sprintf("error checking finalization strategy: %v", err))
		return f.backoff.NextBackOff(), nil
	}

	if !decision.Allow {
		f.writeStatus(fmt.Sprintf("reboot pending due to update strategy (%s)", decision.DenyKind))
		return decision.RetryAfter, nil
	}

	f.backoff.Reset()
	f.state = StateFinalizing
	return f.stepFinalizing(ctx)
}

// stepFinalizing commits the staged deployment, which reboots the
// host on success.
func (f *FSM) stepFinalizing(ctx context.Context) (time.Duration, error) {
	target := f.target
	err := f.Deployments.Finalize(ctx, target.Payload, target.Version)
	if err == nil {
		f.writeStatus(fmt.Sprintf("finalized %s, awaiting reboot", target.Version))
		return f.Config.TickPeriod, nil
	}

	var mismatch *deployments.MismatchError
	if errors.As(err, &mismatch) {
		f.Denylist.Add(target.Payload)
		f.persistDenylist()
		f.recordCheckError("mismatch")
		f.state = StateSteady
		f.target = nil
		f.writeStatus(fmt.Sprintf("finalize mismatch, denylisting %s", target.Payload))
		return 0, nil
	}

	f.recordCheckError(kindOf(err))
	f.state = StateReadyToFinalize
	f.writeStatus(fmt.Sprintf("finalize failed, retrying: %v", err))
	return f.backoff.NextBackOff(), nil
}

// persistDenylist best-effort saves the denylist to Config.DenylistPath;
// losing it across restarts is acceptable since a mismatching payload
// will simply be re-detected. A no-op when no path is configured.
func (f *FSM) persistDenylist() {
	if f.Config.DenylistPath == "" {
		return
	}
	if err := f.Denylist.Save(f.Config.DenylistPath); err != nil {
		plog.Warningf("saving denylist to %s: %v", f.Config.DenylistPath, err)
	}
}

func (f *FSM) fail(err error) {
	f.fatalErr = err
	f.state = StateEndOfLife
	plog.Errorf("agent: fatal error, entering EndOfLife: %v", err)
}

func (f *FSM) writeStatus(text string) {
	if f.Metrics != nil {
		f.Metrics.LatestStateChangeTime.Set(float64(f.now().Unix()))
	}
	if f.Status != nil {
		f.Status.SetServiceStatus(text)
	}
}

func (f *FSM) recordCheckError(kind string) {
	if f.Metrics != nil {
		f.Metrics.UpdateChecksErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func kindOf(err error) string {
	var tne *cincinnati.TransientNetworkError
	if errors.As(err, &tne) {
		return tne.Kind
	}
	var mge *cincinnati.MalformedGraphError
	if errors.As(err, &mge) {
		return "malformed_graph"
	}
	var busy *deployments.BusyError
	if errors.As(err, &busy) {
		return "busy"
	}
	var daemon *deployments.DaemonError
	if errors.As(err, &daemon) {
		return "daemon_error"
	}
	return "other"
}

func resolveErrorKind(err error) string {
	var notInGraph *graph.BootedNotInGraphError
	if errors.As(err, &notInGraph) {
		return "booted_not_in_graph"
	}
	var invalid *graph.InvalidGraphError
	if errors.As(err, &invalid) {
		return "invalid_graph"
	}
	return "other"
}
