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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var flplog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "reboot")

var fleetLockGroupRe = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// FleetLock acquires/releases a slot on a distributed counting
// semaphore keyed by client id + group.
type FleetLock struct {
	BaseURL string
	NodeID  string
	Group   string

	httpClient *http.Client
}

// NewFleetLock constructs a FleetLock strategy. The group must match
// ^[A-Za-z0-9.-]+$ per the FleetLock protocol.
func NewFleetLock(baseURL, nodeID, group string) (*FleetLock, error) {
	if !fleetLockGroupRe.MatchString(group) {
		return nil, errors.Errorf("fleetlock group %q does not match %s", group, fleetLockGroupRe.String())
	}
	if baseURL == "" {
		return nil, errors.New("fleetlock base_url must not be empty")
	}
	return &FleetLock{
		BaseURL:    baseURL,
		NodeID:     nodeID,
		Group:      group,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type fleetLockBody struct {
	ClientParams fleetLockClientParams `json:"client_params"`
}

type fleetLockClientParams struct {
	ID    string `json:"id"`
	Group string `json:"group"`
}

type fleetLockErrorBody struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Init calls steady-state (best-effort, with bounded retries) to
// release any slot the previous process instance might still hold
// after a reboot, so the update loop doesn't start out believing it
// still holds a lock from before the reboot.
func (f *FleetLock) Init(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f.call(ctx, "steady-state")
		if err != nil {
			flplog.Warningf("fleetlock steady-state (init) failed, retrying: %v", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(5))

	if err != nil {
		flplog.Warningf("fleetlock init: giving up releasing stale slot: %v", err)
	}
	return nil
}

// CanFinalize attempts to acquire a reboot slot via pre-reboot.
func (f *FleetLock) CanFinalize(ctx context.Context) (Decision, error) {
	err := f.call(ctx, "pre-reboot")
	if err == nil {
		return allow(), nil
	}

	var fe *fleetLockError
	if errors.As(err, &fe) {
		retryAfter := 60 * time.Second
		if fe.Kind == string(DenySemaphoreFull) {
			retryAfter = 5 * time.Minute
		}
		return deny(DenyKind(fe.Kind), fe.Value, retryAfter), nil
	}

	return deny(DenyNetwork, err.Error(), 30*time.Second), nil
}

// Release calls steady-state to give up a held slot. The agent does
// not call it; a held slot is released only by Init at the next
// startup.
func (f *FleetLock) Release(ctx context.Context) error {
	return f.call(ctx, "steady-state")
}

type fleetLockError struct {
	Kind, Value string
}

func (e *fleetLockError) Error() string {
	return fmt.Sprintf("fleetlock error: %s: %s", e.Kind, e.Value)
}

func (f *FleetLock) call(ctx context.Context, op string) error {
	body := fleetLockBody{ClientParams: fleetLockClientParams{ID: f.NodeID, Group: f.Group}}
	buf, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshaling fleetlock request body")
	}

	url := trimSlash(f.BaseURL) + "/v1/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "building fleetlock request")
	}
	req.Header.Set("fleet-lock-protocol", "true")
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fleetlock %s request", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var eb fleetLockErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	if eb.Kind == "" {
		eb.Kind = string(DenyNetwork)
		eb.Value = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return &fleetLockError{Kind: eb.Kind, Value: eb.Value}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
