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
	"context"
	"encoding/json"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// MarkerFile allows finalization iff a JSON file at Path exists, is
// not world-writable, parses as an object, and either omits
// allowUntil or has allowUntil > now.
type MarkerFile struct {
	Path string

	// now is overridable for tests.
	now func() time.Time
}

// NewMarkerFile returns a MarkerFile strategy watching the given path.
func NewMarkerFile(path string) *MarkerFile {
	return &MarkerFile{Path: path, now: time.Now}
}

func (m *MarkerFile) Init(ctx context.Context) error { return nil }

type markerFileBody struct {
	AllowUntil *int64 `json:"allowUntil"`
}

func (m *MarkerFile) CanFinalize(ctx context.Context) (Decision, error) {
	var stat unix.Stat_t
	if err := unix.Stat(m.Path, &stat); err != nil {
		if os.IsNotExist(err) {
			return deny(DenyNoMarker, m.Path, 60*time.Second), nil
		}
		return deny(DenyNoMarker, err.Error(), 60*time.Second), nil
	}
	if stat.Mode&0o002 != 0 {
		return deny(DenyNoMarker, "marker file is world-writable", 60*time.Second), nil
	}

	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return deny(DenyNoMarker, err.Error(), 60*time.Second), nil
	}

	var body markerFileBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return deny(DenyNoMarker, "marker file is not a valid JSON object", 60*time.Second), nil
	}

	if body.AllowUntil != nil && *body.AllowUntil <= m.now().Unix() {
		return deny(DenyMarkerExpired, "", 60*time.Second), nil
	}

	return allow(), nil
}
