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

// Package deployments talks to the local image-management daemon
// (rpm-ostree): enumerating deployments, staging an update, finalizing
// a staged deployment, and cleaning up a pending one. Every operation
// is serialized with respect to the others: at most one may be in
// flight at a time.
package deployments

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "deployments")

// Deployment mirrors a single rpm-ostree deployment entry.
type Deployment struct {
	Version         string
	Payload         string
	Origin          string
	Booted          bool
	Staged          bool
	PendingFinalize bool
	BaseMetadata    map[string]string
}

// BusyError means the daemon reported it is already processing another
// request.
type BusyError struct{ Err error }

func (e *BusyError) Error() string { return fmt.Sprintf("image daemon busy: %v", e.Err) }
func (e *BusyError) Unwrap() error { return e.Err }

// MismatchError means the daemon rejected the requested payload as a
// version mismatch. rpm-ostree's stderr doesn't expose what it
// actually has staged instead, only that the requested one didn't
// match, so this carries the payload that was requested and the raw
// daemon message rather than asserting an actual-staged value we never
// observed.
type MismatchError struct {
	Payload string
	Message string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("image daemon rejected payload %q: %s", e.Payload, e.Message)
}

// DaemonError is a generic, non-busy, non-mismatch daemon failure.
type DaemonError struct{ Message string }

func (e *DaemonError) Error() string { return "image daemon error: " + e.Message }

// Runner abstracts process execution so tests can avoid shelling out
// to the real rpm-ostree binary.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout []byte, err error)
}

// execRunner is the production Runner, invoking the rpm-ostree binary.
type execRunner struct {
	Bin string
}

func (r execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, errors.Errorf("rpm-ostree %v: %s", args, string(ee.Stderr))
		}
		return nil, errors.Wrapf(err, "running rpm-ostree %v", args)
	}
	return out, nil
}

// Client is the deployments client. It serializes operations with a
// mutex so that at most one daemon operation is ever in flight;
// InFlightCount is exported for test instrumentation of that
// invariant.
type Client struct {
	runner Runner

	// single serializes all daemon operations so at most one is ever
	// in flight; countMu/inFlightCount are instrumentation only and do
	// not themselves provide exclusion.
	single sync.Mutex

	countMu       sync.Mutex
	inFlightCount int
}

// NewClient returns a production Client that shells out to rpm-ostree.
func NewClient() *Client {
	return &Client{runner: execRunner{Bin: "rpm-ostree"}}
}

// NewClientWithRunner returns a Client using a custom Runner, for
// tests.
func NewClientWithRunner(r Runner) *Client {
	return &Client{runner: r}
}

// InFlightCount reports the number of daemon operations currently in
// flight; it should never exceed 1.
func (c *Client) InFlightCount() int {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.inFlightCount
}

func (c *Client) begin() {
	c.single.Lock()
	c.countMu.Lock()
	c.inFlightCount++
	c.countMu.Unlock()
}

func (c *Client) end() {
	c.countMu.Lock()
	c.inFlightCount--
	c.countMu.Unlock()
	c.single.Unlock()
}

type rpmOstreeStatus struct {
	Deployments []struct {
		Version         string            `json:"version"`
		Checksum        string            `json:"checksum"`
		Origin          string            `json:"origin"`
		Booted          bool              `json:"booted"`
		Staged          bool              `json:"staged"`
		PendingFinalize bool              `json:"finalization-locked,omitempty"`
		BaseMetadata    map[string]string `json:"base-commit-meta"`
	} `json:"deployments"`
}

// QueryStatus enumerates the current deployments.
func (c *Client) QueryStatus(ctx context.Context) ([]Deployment, error) {
	c.begin()
	defer c.end()

	out, err := c.runner.Run(ctx, "status", "--json")
	if err != nil {
		return nil, &DaemonError{Message: err.Error()}
	}

	var status rpmOstreeStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, &DaemonError{Message: "parsing rpm-ostree status: " + err.Error()}
	}

	deps := make([]Deployment, 0, len(status.Deployments))
	for _, d := range status.Deployments {
		deps = append(deps, Deployment{
			Version:         d.Version,
			Payload:         d.Checksum,
			Origin:          d.Origin,
			Booted:          d.Booted,
			Staged:          d.Staged,
			PendingFinalize: d.PendingFinalize,
			BaseMetadata:    d.BaseMetadata,
		})
	}
	return deps, nil
}

// Stage requests the daemon deploy-and-lock-finalization for the given
// payload, so that no auto-reboot occurs until Finalize is called.
func (c *Client) Stage(ctx context.Context, payload string) error {
	c.begin()
	defer c.end()

	plog.Infof("staging payload %s", payload)

	if _, err := c.runner.Run(ctx, "deploy", "--lock-finalization", payload); err != nil {
		return classifyError(err, payload)
	}
	return nil
}

// Finalize commits a staged deployment, which causes rpm-ostree to
// reboot the host. The daemon checks the staged checksum against the
// requested payload; if they differ, a MismatchError is returned.
func (c *Client) Finalize(ctx context.Context, payload, expectedVersion string) error {
	c.begin()
	defer c.end()

	plog.Infof("finalizing payload %s (expected version %s)", payload, expectedVersion)

	if _, err := c.runner.Run(ctx, "finalize-deployment", payload); err != nil {
		return classifyError(err, payload)
	}
	return nil
}

// CleanupPending drops a non-finalized staged deployment.
func (c *Client) CleanupPending(ctx context.Context) error {
	c.begin()
	defer c.end()

	plog.Info("cleaning up pending deployment")

	_, err := c.runner.Run(ctx, "cleanup", "-p")
	if err != nil {
		return &DaemonError{Message: err.Error()}
	}
	return nil
}

func classifyError(err error, payload string) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "another transaction in progress", "org.projectatomic.rpmostree1.Transaction"):
		return &BusyError{Err: err}
	case containsAny(msg, "Old and new refs are equal", "version mismatch", "does not match"):
		return &MismatchError{Payload: payload, Message: msg}
	default:
		return &DaemonError{Message: msg}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
