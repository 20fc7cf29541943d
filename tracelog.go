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

import "sort"

// TraceLog is the append-only record of every frame the tracer has ever
// pushed, paired with the timestamp at which it was pushed. frames and
// times are always the same length.
type TraceLog struct {
	frames []*Frame
	times  []int64
}

func (t *TraceLog) push(f *Frame, ts int64) {
	t.frames = append(t.frames, f)
	t.times = append(t.times, ts)
}

// Len returns the number of entries recorded so far.
func (t *TraceLog) Len() int { return len(t.frames) }

// At returns the frame and timestamp recorded at position i.
func (t *TraceLog) At(i int) (*Frame, int64) { return t.frames[i], t.times[i] }

// Last returns the most recently appended frame, or nil if the log is
// empty.
func (t *TraceLog) Last() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// FrameGroupKey identifies the function a frame belongs to, independent of
// which particular call produced it.
type FrameGroupKey struct {
	hasImage bool
	imageID  int
	index    int
	kind     FuncKind
}

// FrameGroup is every frame sharing one FrameGroupKey.
type FrameGroup struct {
	Key     FrameGroupKey
	Name    string
	Entries []*Frame

	first int64
}

func keyOf(f *Frame) FrameGroupKey {
	if f.Image == nil {
		return FrameGroupKey{kind: External}
	}
	return FrameGroupKey{hasImage: true, imageID: f.Image.ID, index: f.Index, kind: f.Kind}
}

// Groups buckets the log's entries by function identity, ordered by the
// earliest timestamp at which each bucket's first entry appears.
func (t *TraceLog) Groups() []*FrameGroup {
	index := make(map[FrameGroupKey]*FrameGroup)
	var order []*FrameGroup

	for i, f := range t.frames {
		k := keyOf(f)
		g := index[k]
		if g == nil {
			g = &FrameGroup{Key: k, Name: f.Name(), first: t.times[i]}
			index[k] = g
			order = append(order, g)
		}
		g.Entries = append(g.Entries, f)
	}

	sort.SliceStable(order, func(i, j int) bool { return order[i].first < order[j].first })
	return order
}
