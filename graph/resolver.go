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

import (
	"sort"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/zincati-go", "graph")

// ClientIdentity is the narrow subset of identity the resolver
// consults; kept separate from package identity to avoid an import
// cycle and to make the resolver testable in isolation.
type ClientIdentity struct {
	NodeID   string
	Basearch string
	Wariness float64
}

// Denylist reports whether a payload has already been tried and
// rejected. The resolver only reads it; updating it is the caller's
// job.
type Denylist interface {
	Contains(payload string) bool
}

// Outcome is the result of Resolve: exactly one of Target or
// NoUpdateReason is set.
type Outcome struct {
	Target         *Node
	NoUpdateReason Reason
	DeadendReason  string
}

// Options configures policy knobs for Resolve.
type Options struct {
	AllowDowngrade bool
}

// Resolve locates the booted release in the graph, gathers its direct
// successors, runs them through the scheme/age/denylist/rollout/barrier
// filter chain, and returns the best remaining candidate, or a reason
// why none qualified.
func Resolve(g Graph, bootedChecksum string, client ClientIdentity, denylist Denylist, opts Options) (Outcome, error) {
	if err := g.Validate(); err != nil {
		return Outcome{}, err
	}

	bootedIdx, found := g.findBooted(bootedChecksum)
	if !found {
		return Outcome{}, &BootedNotInGraphError{BootedPayload: bootedChecksum}
	}
	booted := g.Nodes[bootedIdx]

	if booted.IsDeadend() {
		plog.Infof("booted release %s is a dead-end: %s", booted.Version, booted.DeadendReason())
		return Outcome{NoUpdateReason: DeadEnd, DeadendReason: booted.DeadendReason()}, nil
	}

	successorIdxs := g.directSuccessors(bootedIdx)
	if len(successorIdxs) == 0 {
		return Outcome{NoUpdateReason: NoSuccessors}, nil
	}

	candidates := make([]Node, 0, len(successorIdxs))
	for _, idx := range successorIdxs {
		candidates = append(candidates, g.Nodes[idx])
	}

	// Filter: scheme. A candidate whose payload isn't usable is not "the
	// latest" — it's unusable, so it gets its own reason rather than
	// being folded into the age-ordering outcome below.
	candidates = filterScheme(candidates)
	if len(candidates) == 0 {
		return Outcome{NoUpdateReason: AllFilteredOut}, nil
	}

	// Filter: age ordering.
	bootedAge, _ := booted.AgeIndex()
	candidates = filterAge(candidates, bootedAge, opts.AllowDowngrade)
	if len(candidates) == 0 {
		return Outcome{NoUpdateReason: AlreadyAtLatest}, nil
	}

	// Filter: denylist.
	before := len(candidates)
	candidates = filterDenylist(candidates, denylist)
	if dropped := before - len(candidates); dropped > 0 {
		plog.Infof("%d possible update target(s) present in denylist", dropped)
	}

	// Filter: rollout wariness.
	candidates = filterRollout(candidates, client)

	// Filter: barrier.
	candidates = filterBarrier(candidates)

	if len(candidates) == 0 {
		return Outcome{NoUpdateReason: AllFilteredOut}, nil
	}

	best := selectBest(candidates)
	return Outcome{Target: &best}, nil
}

func filterScheme(in []Node) []Node {
	out := make([]Node, 0, len(in))
	for _, n := range in {
		if n.Scheme() == SchemeChecksum {
			out = append(out, n)
		}
	}
	return out
}

func filterAge(in []Node, bootedAge int64, allowDowngrade bool) []Node {
	out := make([]Node, 0, len(in))
	for _, n := range in {
		age, _ := n.AgeIndex()
		if age == bootedAge {
			continue // ties are always dropped
		}
		if age < bootedAge && !allowDowngrade {
			continue
		}
		out = append(out, n)
	}
	return out
}

func filterDenylist(in []Node, denylist Denylist) []Node {
	if denylist == nil {
		return in
	}
	out := make([]Node, 0, len(in))
	for _, n := range in {
		if denylist.Contains(n.Payload) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func filterRollout(in []Node, client ClientIdentity) []Node {
	out := make([]Node, 0, len(in))
	for _, n := range in {
		threshold, gated := n.Rollout(client.Basearch)
		if !gated {
			out = append(out, n)
			continue
		}
		if admitsRollout(n.Payload, client.NodeID, threshold, client.Wariness) {
			out = append(out, n)
		}
	}
	return out
}

func filterBarrier(in []Node) []Node {
	var minBarrierAge *int64
	for _, n := range in {
		if n.IsBarrier() {
			age, _ := n.AgeIndex()
			if minBarrierAge == nil || age < *minBarrierAge {
				a := age
				minBarrierAge = &a
			}
		}
	}
	if minBarrierAge == nil {
		return in
	}
	out := make([]Node, 0, len(in))
	for _, n := range in {
		age, _ := n.AgeIndex()
		if age > *minBarrierAge {
			continue
		}
		out = append(out, n)
	}
	return out
}

// selectBest picks the candidate with the greatest age_index, ties
// broken by the lexicographically largest version.
func selectBest(candidates []Node) Node {
	sorted := make([]Node, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		ai, _ := sorted[i].AgeIndex()
		aj, _ := sorted[j].AgeIndex()
		if ai != aj {
			return ai > aj
		}
		return sorted[i].Version > sorted[j].Version
	})
	return sorted[0]
}
