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

package graph

import "fmt"

// Reason explains why the resolver produced no update target.
type Reason int

const (
	// DeadEnd means the booted release is a dead-end; the agent is
	// parked until the graph changes.
	DeadEnd Reason = iota
	// NoSuccessors means the booted release has no outgoing edges.
	NoSuccessors
	// AllFilteredOut means every direct successor was dropped by a
	// filter.
	AllFilteredOut
	// AlreadyAtLatest means the only candidates left have an age_index
	// not greater than the booted release's.
	AlreadyAtLatest
)

func (r Reason) String() string {
	switch r {
	case DeadEnd:
		return "DeadEnd"
	case NoSuccessors:
		return "NoSuccessors"
	case AllFilteredOut:
		return "AllFilteredOut"
	case AlreadyAtLatest:
		return "AlreadyAtLatest"
	default:
		return "Unknown"
	}
}

// BootedNotInGraphError is returned when the booted payload cannot be
// located among the graph's nodes; the tick aborts with a transient
// error since the upstream graph may simply not have caught up yet.
type BootedNotInGraphError struct {
	BootedPayload string
}

func (e *BootedNotInGraphError) Error() string {
	return fmt.Sprintf("booted payload %q not present in update graph", e.BootedPayload)
}

// InvalidGraphError is returned by Validate when the graph violates a
// structural invariant (out-of-bounds edge, duplicate version,
// self-edge).
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string {
	return "invalid update graph: " + e.Reason
}
