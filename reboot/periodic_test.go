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
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarSplitsCrossingWeekBoundary(t *testing.T) {
	// Sunday 23:30 for 60 minutes crosses into next Monday.
	sundayStart := minutesSinceMonday(time.Sunday, 23, 30)
	cal, err := NewCalendar([]Interval{{Start: sundayStart, Length: 60}})
	require.NoError(t, err)
	assert.Equal(t, 60, cal.TotalLength())
	assert.True(t, cal.Contains(sundayStart+10))
	assert.True(t, cal.Contains(5)) // inside the 30 minutes that spill into Monday
	assert.False(t, cal.Contains(40))
}

func TestCalendarTotalLengthAtMostConfigSum(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for trial := 0; trial < 30; trial++ {
		n := rnd.Intn(5) + 1
		var intervals []Interval
		sum := 0
		for i := 0; i < n; i++ {
			length := rnd.Intn(120) + 1
			start := rnd.Intn(MinutesPerWeek)
			intervals = append(intervals, Interval{Start: start, Length: length})
			sum += length
		}
		cal, err := NewCalendar(intervals)
		require.NoError(t, err)
		// Overlaps can only reduce total length versus the naive sum.
		assert.LessOrEqual(t, cal.TotalLength(), sum)
	}
}

func TestCalendarNonOverlappingTotalLengthExact(t *testing.T) {
	cal, err := NewCalendar([]Interval{{Start: 0, Length: 30}, {Start: 100, Length: 50}})
	require.NoError(t, err)
	assert.Equal(t, 80, cal.TotalLength())
}

func TestCalendarNextStartAfter(t *testing.T) {
	cal, err := NewCalendar([]Interval{{Start: 100, Length: 30}})
	require.NoError(t, err)
	assert.Equal(t, 70, cal.NextStartAfter(30))
	// Wraps to next week.
	assert.Equal(t, MinutesPerWeek-200+100, cal.NextStartAfter(200))
}

func TestPeriodicAllowInsideWindow(t *testing.T) {
	p, err := NewPeriodic([]WindowConfig{{Days: []string{"Wed"}, StartTime: "01:00", LengthMinutes: 30}}, "")
	require.NoError(t, err)

	// Wednesday 2024-01-03 01:15 UTC.
	p.now = func() time.Time { return time.Date(2024, 1, 3, 1, 15, 0, 0, time.UTC) }
	d, err := p.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestPeriodicDenyOutsideWindow(t *testing.T) {
	p, err := NewPeriodic([]WindowConfig{{Days: []string{"Wed"}, StartTime: "01:00", LengthMinutes: 30}}, "")
	require.NoError(t, err)

	p.now = func() time.Time { return time.Date(2024, 1, 3, 1, 31, 0, 0, time.UTC) }
	d, err := p.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, DenyOutsideWindow, d.DenyKind)
	assert.LessOrEqual(t, d.RetryAfter, 7*24*time.Hour)
}

func TestPeriodicRejectsNonPositiveLength(t *testing.T) {
	_, err := NewPeriodic([]WindowConfig{{Days: []string{"Mon"}, StartTime: "00:00", LengthMinutes: 0}}, "")
	require.Error(t, err)
}

func TestPeriodicRejectsBadWeekday(t *testing.T) {
	_, err := NewPeriodic([]WindowConfig{{Days: []string{"Funday"}, StartTime: "00:00", LengthMinutes: 10}}, "")
	require.Error(t, err)
}

func TestImmediateAlwaysAllows(t *testing.T) {
	d, err := Immediate{}.CanFinalize(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
