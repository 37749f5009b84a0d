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

// State names one point in the update agent's lifecycle.
type State int

const (
	StateInitializing State = iota
	StateSteady
	StateUpdateAvailable
	StateStaging
	StateStaged
	StateReadyToFinalize
	StateFinalizing
	StateEndOfLife
	// StateUpdatesDisabled is a terminal-but-alive idle state for when
	// automatic updates are configured off, distinguishing that
	// condition from Steady for status and metrics purposes.
	StateUpdatesDisabled
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateSteady:
		return "Steady"
	case StateUpdateAvailable:
		return "UpdateAvailable"
	case StateStaging:
		return "Staging"
	case StateStaged:
		return "Staged"
	case StateReadyToFinalize:
		return "ReadyToFinalize"
	case StateFinalizing:
		return "Finalizing"
	case StateEndOfLife:
		return "EndOfLife"
	case StateUpdatesDisabled:
		return "UpdatesDisabled"
	default:
		return "Unknown"
	}
}
