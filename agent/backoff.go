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

package agent

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newTickBackoff builds the exponential-backoff-with-jitter policy
// governing tick cadence: a baseline period with uniform jitter of
// ±25%, doubling on each consecutive transient failure up to
// maxInterval, with the jitter reseeded after any success.
// RandomizationFactor 0.25 gives the ±25% jitter band around each
// computed interval; Multiplier 2 doubles it per failure, capped at
// MaxInterval.
func newTickBackoff(period, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = period
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = maxInterval
	return b
}
