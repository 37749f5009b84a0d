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
	"sort"

	"github.com/pkg/errors"
)

// MinutesPerWeek is the span of the weekly calendar, in minutes since
// Monday 00:00.
const MinutesPerWeek = 7 * 24 * 60

// Interval is a half-open range [Start, Start+Length) within
// [0, MinutesPerWeek).
type Interval struct {
	Start  int
	Length int
}

func (iv Interval) end() int { return iv.Start + iv.Length }

// Calendar is a sorted, non-overlapping slice of weekly-recurring
// windows: a week has at most a few dozen of them, so a balanced
// interval tree would be overkill. The point-query and
// next-start-after-w operations below run in O(log n) via binary
// search over the sorted starts. Built once at startup from
// configuration.
type Calendar struct {
	intervals []Interval // sorted by Start, non-overlapping
}

// NewCalendar ingests a set of configured windows, splitting any that
// cross the week boundary so every stored interval lies within
// [0, MinutesPerWeek).
func NewCalendar(windows []Interval) (*Calendar, error) {
	var split []Interval
	for _, w := range windows {
		if w.Length <= 0 {
			return nil, errors.Errorf("window length %d must be positive", w.Length)
		}
		if w.Start < 0 || w.Start >= MinutesPerWeek {
			return nil, errors.Errorf("window start %d out of range [0,%d)", w.Start, MinutesPerWeek)
		}
		if w.Length > MinutesPerWeek {
			return nil, errors.Errorf("window length %d exceeds a full week", w.Length)
		}
		if w.end() <= MinutesPerWeek {
			split = append(split, w)
		} else {
			split = append(split,
				Interval{Start: w.Start, Length: MinutesPerWeek - w.Start},
				Interval{Start: 0, Length: w.end() - MinutesPerWeek},
			)
		}
	}

	sort.Slice(split, func(i, j int) bool { return split[i].Start < split[j].Start })

	return &Calendar{intervals: mergeOverlapping(split)}, nil
}

func mergeOverlapping(sorted []Interval) []Interval {
	if len(sorted) == 0 {
		return nil
	}
	merged := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.end() {
			if iv.end() > last.end() {
				last.Length = iv.end() - last.Start
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// TotalLength returns the sum of (post-merge) interval lengths, used
// by tests to check against the sum of configured length_minutes.
func (c *Calendar) TotalLength() int {
	total := 0
	for _, iv := range c.intervals {
		total += iv.Length
	}
	return total
}

// Contains reports whether minute w (in [0, MinutesPerWeek)) falls
// inside any stored window.
func (c *Calendar) Contains(w int) bool {
	idx := sort.Search(len(c.intervals), func(i int) bool { return c.intervals[i].Start > w })
	if idx == 0 {
		// Check the last interval in case it wraps conceptually; since
		// we split at ingestion, no stored interval needs wrap handling,
		// so idx==0 genuinely means no earlier interval exists.
		return false
	}
	iv := c.intervals[idx-1]
	return w < iv.end()
}

// NextStartAfter returns the number of minutes until the next window
// start strictly after w, wrapping to next week if none remain this
// week. If w already lies within a window, 0 is returned by the
// caller's Contains check instead; this method assumes !Contains(w).
func (c *Calendar) NextStartAfter(w int) int {
	if len(c.intervals) == 0 {
		return MinutesPerWeek
	}
	idx := sort.Search(len(c.intervals), func(i int) bool { return c.intervals[i].Start > w })
	if idx < len(c.intervals) {
		return c.intervals[idx].Start - w
	}
	// Wrap to the first interval next week.
	return (MinutesPerWeek - w) + c.intervals[0].Start
}
