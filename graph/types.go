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

// Package graph parses, validates, and filters the update-graph DAG
// fetched from the cincinnati endpoint, and selects the best next
// release subject to the client's identity and safety filters.
package graph

import (
	"strconv"

	"github.com/pkg/errors"
)

// Metadata keys. Cincinnati servers emit the long, dotted
// org.fedoraproject.coreos.* namespace; the short forms below are
// accepted as well. Both are recognized; the long form wins when both
// are present on a node.
const (
	MetaAgeIndex          = "age_index"
	MetaAgeIndexLong      = "org.fedoraproject.coreos.releases.age_index"
	MetaScheme            = "scheme"
	MetaSchemeLong        = "org.fedoraproject.coreos.scheme"
	MetaDeadend           = "deadend"
	MetaDeadendLong       = "org.fedoraproject.coreos.updates.deadend"
	MetaDeadendReason     = "deadend_reason"
	MetaDeadendReasonLong = "org.fedoraproject.coreos.updates.deadend_reason"
	MetaRollout           = "rollout"
	MetaRolloutLong       = "org.fedoraproject.coreos.updates.rollout"
	MetaBarrier           = "barrier"
	MetaBarrierLong       = "org.fedoraproject.coreos.updates.barrier"

	// SchemeChecksum is the only metadata scheme for which a payload is
	// usable as an update target.
	SchemeChecksum = "checksum"
)

// RolloutOverrideKey returns the per-basearch rollout override key for
// the given basearch, e.g. "org.fedoraproject.coreos.updates.rollout-x86_64".
func RolloutOverrideKey(basearch string) string {
	return MetaRolloutLong + "-" + basearch
}

// Node is a single release in the graph.
type Node struct {
	Version  string            `json:"version"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}

func (n Node) meta(short, long string) (string, bool) {
	if v, ok := n.Metadata[long]; ok {
		return v, true
	}
	v, ok := n.Metadata[short]
	return v, ok
}

// Scheme returns the node's scheme metadata, defaulting to "".
func (n Node) Scheme() string {
	v, _ := n.meta(MetaScheme, MetaSchemeLong)
	return v
}

// IsDeadend reports whether the node is flagged as a dead-end.
func (n Node) IsDeadend() bool {
	v, _ := n.meta(MetaDeadend, MetaDeadendLong)
	return v == "true"
}

// DeadendReason returns the human-readable dead-end reason, if any.
func (n Node) DeadendReason() string {
	v, _ := n.meta(MetaDeadendReason, MetaDeadendReasonLong)
	return v
}

// IsBarrier reports whether the node must not be skipped over.
func (n Node) IsBarrier() bool {
	v, _ := n.meta(MetaBarrier, MetaBarrierLong)
	return v == "true"
}

// Rollout returns the node's rollout threshold for the given basearch,
// preferring a per-basearch override over the global value. ok is
// false when neither key is present, meaning the candidate is not
// rollout-gated.
func (n Node) Rollout(basearch string) (threshold float64, ok bool) {
	if v, present := n.Metadata[RolloutOverrideKey(basearch)]; present {
		f, err := parseUnitFloat(v)
		if err == nil {
			return f, true
		}
	}
	v, present := n.meta(MetaRollout, MetaRolloutLong)
	if !present {
		return 0, false
	}
	f, err := parseUnitFloat(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseUnitFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0.0 || f > 1.0 {
		return 0, errors.Errorf("rollout value %v out of range [0,1]", f)
	}
	return f, nil
}

// AgeIndex returns the node's age_index, defaulting to 0 when absent
// or malformed (a node without an age_index cannot be reliably ordered
// and is treated as oldest).
func (n Node) AgeIndex() (int64, bool) {
	v, present := n.meta(MetaAgeIndex, MetaAgeIndexLong)
	if !present {
		return 0, false
	}
	i, err := parseNonNegativeInt(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func parseNonNegativeInt(s string) (int64, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, errors.Errorf("age_index %d is negative", i)
	}
	return i, nil
}

// Edge is a directed edge from Nodes[From] to Nodes[To].
type Edge struct {
	From int
	To   int
}

// Graph is the parsed, not-yet-validated release DAG.
type Graph struct {
	Nodes []Node
	Edges []Edge
}
