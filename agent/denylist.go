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
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Denylist is the FSM's append-only record of payloads to never
// select again within this process lifetime. Mutated only by the FSM;
// satisfies graph.Denylist for the resolver.
type Denylist struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewDenylist returns an empty denylist.
func NewDenylist() *Denylist {
	return &Denylist{set: make(map[string]struct{})}
}

// Add appends payload to the denylist. Never removed within a process
// lifetime.
func (d *Denylist) Add(payload string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set[payload] = struct{}{}
}

// Contains reports whether payload is denylisted.
func (d *Denylist) Contains(payload string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set[payload]
	return ok
}

// Len reports the number of denylisted payloads, for status/metrics.
func (d *Denylist) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.set)
}

// LoadDenylistFile populates a new Denylist from a JSON array of
// payloads at path. A missing file is not an error: the denylist
// simply starts empty.
func LoadDenylistFile(path string) (*Denylist, error) {
	d := NewDenylist()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, errors.Wrapf(err, "reading denylist file %q", path)
	}

	var payloads []string
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return nil, errors.Wrapf(err, "parsing denylist file %q", path)
	}
	for _, p := range payloads {
		d.set[p] = struct{}{}
	}
	return d, nil
}

// Save persists the denylist to path as a JSON array of payloads,
// best-effort: losing it across restarts is acceptable since a
// mismatching payload will simply be re-detected, so callers should
// log, not fail, on error.
func (d *Denylist) Save(path string) error {
	d.mu.Lock()
	payloads := make([]string, 0, len(d.set))
	for p := range d.set {
		payloads = append(payloads, p)
	}
	d.mu.Unlock()

	raw, err := json.Marshal(payloads)
	if err != nil {
		return errors.Wrap(err, "marshaling denylist")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "writing denylist file %q", path)
	}
	return nil
}
