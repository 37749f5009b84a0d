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

// Package reboot implements the pluggable "may I reboot now?"
// predicate: immediate, fleet-lock, periodic, and marker-file
// strategies, each exposing a single CanFinalize operation.
package reboot

import (
	"context"
	"time"
)

// DenyKind enumerates reasons a Deny decision carries, for metrics.
type DenyKind string

const (
	DenyNetwork       DenyKind = "network"
	DenySemaphoreFull DenyKind = "semaphore_full"
	DenyOutsideWindow DenyKind = "outside_window"
	DenyNoMarker      DenyKind = "no_marker"
	DenyMarkerExpired DenyKind = "marker_expired"
)

// Decision is the result of CanFinalize: either Allow, or Deny with a
// reason and a hint for when to retry.
type Decision struct {
	Allow      bool
	DenyKind   DenyKind
	DenyValue  string
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allow: true} }

func deny(kind DenyKind, value string, retryAfter time.Duration) Decision {
	return Decision{Allow: false, DenyKind: kind, DenyValue: value, RetryAfter: retryAfter}
}

// Strategy decides whether a staged update may be finalized (rebooted)
// right now.
type Strategy interface {
	// Init runs once before the main loop; strategies without startup
	// state (Immediate, Periodic, MarkerFile) may no-op.
	Init(ctx context.Context) error
	CanFinalize(ctx context.Context) (Decision, error)
}
