//  Copyright 2023 Stealth Rocket, Inc.
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

package ftrace

import (
	"os"
	"time"

	"github.com/google/pprof/profile"
)

// WriteProfile writes a pprof profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// Profile exports the tracer's trace log as a pprof profile: one sample
// per distinct function, valued by the number of trace-log entries for
// that function (a call and each re-entry after a return both count) and
// by the sum of Exit minus Entry over those entries.
func (t *CallTracer) Profile(start time.Time) *profile.Profile {
	return buildProfile(t.log, start)
}

func buildProfile(log *TraceLog, start time.Time) *profile.Profile {
	groups := log.Groups()

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "sample", Unit: "count"},
			{Type: "cpu", Unit: "millisecond"},
		},
		TimeNanos: start.UnixNano(),
		Function:  make([]*profile.Function, len(groups)),
		Location:  make([]*profile.Location, len(groups)),
		Sample:    make([]*profile.Sample, len(groups)),
	}

	for i, g := range groups {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: g.Name, SystemName: g.Name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		prof.Function[i] = fn
		prof.Location[i] = loc

		var count, total int64
		for _, e := range g.Entries {
			count++
			total += e.Exit - e.Entry
		}
		prof.Sample[i] = &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count, total},
		}
	}

	return prof
}
