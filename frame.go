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

import "golang.org/x/exp/slices"

// Frame is a single function instance: one entry on the shadow stack, and
// (after it leaves the stack) one entry retained in the trace log. The
// stack and the log hold the same *Frame, so mutating Exit/Ret0/Ret1 after
// the frame is created is visible from both — there is only one caller
// thread, so no locking is required.
type Frame struct {
	// Image is nil for a frame synthesized outside any known image.
	Image *SymbolImage
	Index int
	Kind  FuncKind

	Entry int64
	Exit  int64

	// GapLo/GapHi bound the gap between Local records that an External
	// frame with a known Image was pushed for; meaningless otherwise.
	GapLo, GapHi uint64

	hasRet bool
	Ret0   uint64
	Ret1   uint64

	// Params is the register-file snapshot taken at call time, kept only
	// while the frame is on the stack (and only when context capture is
	// enabled).
	Params []uint64
}

func (f *Frame) finalize(exit int64) {
	f.Exit = exit
}

func (f *Frame) setReturn(ret0, ret1 uint64) {
	f.hasRet = true
	f.Ret0 = ret0
	f.Ret1 = ret1
}

// Return reports the frame's captured return-value pair, if context
// capture was enabled and the frame has already returned.
func (f *Frame) Return() (ret0, ret1 uint64, ok bool) {
	return f.Ret0, f.Ret1, f.hasRet
}

// clearParams releases the parameter snapshot once a frame leaves the
// stack; it is no longer reachable from anywhere but the trace log, which
// has no use for it.
func (f *Frame) clearParams() {
	f.Params = nil
}

// Name resolves the frame to a function name, or "unknown" for an
// anonymous frame.
func (f *Frame) Name() string {
	if f.Kind == Local && f.Image != nil {
		if fn, ok := f.Image.Get(f.Index); ok {
			return fn.Name
		}
	}
	return "unknown"
}

func cloneRegs(regs []uint64) []uint64 {
	return slices.Clone(regs)
}
