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
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// WindowConfig is a single `[[updates.periodic.window]]` entry, before
// conversion to calendar minutes.
type WindowConfig struct {
	Days          []string // weekday names, full or 3-letter
	StartTime     string   // "HH:MM"
	LengthMinutes int
}

var weekdayIndex = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday,
}

// minutesSinceMonday converts a time.Weekday + hh:mm into minutes
// since Monday 00:00.
func minutesSinceMonday(day time.Weekday, hh, mm int) int {
	// time.Weekday: Sunday=0 .. Saturday=6. We want Monday=0 .. Sunday=6.
	offset := (int(day) + 6) % 7
	return offset*24*60 + hh*60 + mm
}

// BuildWindows converts WindowConfig entries into calendar Intervals.
func BuildWindows(configs []WindowConfig) ([]Interval, error) {
	var out []Interval
	for _, wc := range configs {
		if len(wc.Days) == 0 {
			return nil, errors.New("periodic window must name at least one day")
		}
		if wc.LengthMinutes <= 0 {
			return nil, errors.Errorf("periodic window length_minutes %d must be positive", wc.LengthMinutes)
		}
		hh, mm, err := parseHHMM(wc.StartTime)
		if err != nil {
			return nil, err
		}
		for _, dayName := range wc.Days {
			wd, ok := weekdayIndex[strings.ToLower(dayName)]
			if !ok {
				return nil, errors.Errorf("unrecognized weekday %q", dayName)
			}
			start := minutesSinceMonday(wd, hh, mm)
			out = append(out, Interval{Start: start, Length: wc.LengthMinutes})
		}
	}
	return out, nil
}

func parseHHMM(s string) (hh, mm int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parsing start_time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parsing start_time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, errors.Errorf("start_time %q out of range", s)
	}
	return h, m, nil
}

// Periodic allows finalization only inside configured weekly
// maintenance windows.
type Periodic struct {
	calendar *Calendar
	location *time.Location

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// NewPeriodic builds a Periodic strategy. tz is "" (UTC), "localtime"
// (the host's local zone), or an IANA zone name.
func NewPeriodic(windows []WindowConfig, tz string) (*Periodic, error) {
	intervals, err := BuildWindows(windows)
	if err != nil {
		return nil, err
	}
	cal, err := NewCalendar(intervals)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	switch tz {
	case "", "UTC":
		loc = time.UTC
	case "localtime":
		loc = time.Local
	default:
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(err, "loading time zone %q", tz)
		}
		loc = l
	}

	return &Periodic{calendar: cal, location: loc, now: time.Now}, nil
}

func (p *Periodic) Init(ctx context.Context) error { return nil }

func (p *Periodic) CanFinalize(ctx context.Context) (Decision, error) {
	now := p.now().In(p.location)
	w := minutesSinceMonday(now.Weekday(), now.Hour(), now.Minute())

	if p.calendar.Contains(w) {
		return allow(), nil
	}

	delta := p.calendar.NextStartAfter(w)
	return deny(DenyOutsideWindow, "", time.Duration(delta)*time.Minute), nil
}
