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
	"crypto/sha256"
	"encoding/binary"
)

// rolloutValue draws a deterministic per-(payload, nodeID) value in
// [0,1), via a stable hash of payload, a NUL separator, and node_id
// mapped to the unit interval. It is a pure function of its inputs: no
// wall-clock or process-identity randomness, so a given client
// deterministically receives or defers a rollout-gated update across
// retries instead of flapping between them.
func rolloutValue(payload, nodeID string) float64 {
	h := sha256.Sum256([]byte(payload + "\x00" + nodeID))
	// Take the top 53 bits of the first 8 bytes, which a float64
	// holds exactly, and scale into [0,1) by dividing by 2^53.
	bits := binary.BigEndian.Uint64(h[:8]) >> 11
	return float64(bits) / (1 << 53)
}

// admitsRollout reports whether a candidate with rollout threshold r
// is admitted for a client with the given wariness: v <= r * (1 -
// wariness). Higher wariness shrinks the admitted fraction, so more
// cautious clients pick up a staggered rollout later.
func admitsRollout(payload, nodeID string, r, wariness float64) bool {
	v := rolloutValue(payload, nodeID)
	return v <= r*(1.0-wariness)
}
