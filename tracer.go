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
	"fmt"
	"io"
	"time"
)

// CallTracer is the call/return state machine: it owns the shadow stack
// and the trace log, and consumes decoded call/return events to keep both
// in sync with an (imprecisely known) running program.
type CallTracer struct {
	images      *ImageSet
	showContext bool

	cur   curReader
	stack []*Frame
	log   *TraceLog

	epoch time.Time
}

// NewCallTracer constructs a tracer over images. showContext enables
// capturing parameter and return-value snapshots on every frame.
func NewCallTracer(images *ImageSet, showContext bool) *CallTracer {
	return &CallTracer{
		images:      images,
		showContext: showContext,
		log:         &TraceLog{},
		epoch:       time.Now(),
	}
}

func (t *CallTracer) now() int64 {
	return time.Since(t.epoch).Milliseconds()
}

// Stack returns the current shadow stack, top last.
func (t *CallTracer) Stack() []*Frame { return t.stack }

// Log returns the tracer's trace log.
func (t *CallTracer) Log() *TraceLog { return t.log }

func (t *CallTracer) topFrame() *Frame {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// Step decodes one instruction and dispatches the resulting event, if
// any. It silently ignores instructions that are not jal/jalr, matching
// the external check_instruction contract.
func (t *CallTracer) Step(pc uint64, inst uint32, regs []uint64) error {
	if len(regs) < 32 {
		return fmt.Errorf("ftrace: register file must have 32 entries, got %d", len(regs))
	}
	kind, target, ok := Decode(pc, inst, regs)
	if !ok {
		return nil
	}
	switch kind {
	case Call:
		t.HandleCall(target, regs)
	case Return:
		t.HandleReturn(target, regs[10], regs[11])
	}
	return nil
}

// HandleCall processes a recognized call to targetPC.
func (t *CallTracer) HandleCall(targetPC uint64, regs []uint64) {
	if t.log.Len() == 0 {
		t.firstCall(targetPC, regs)
		return
	}

	top := t.topFrame()
	if t.inBounds(top, targetPC) {
		// Intra-function jump: a tail call, compiler-synthesized jump,
		// or jal used as a non-call. Not a new frame.
		return
	}
	t.switchAndPush(targetPC, regs)
}

func (t *CallTracer) firstCall(targetPC uint64, regs []uint64) {
	if len(t.stack) != 0 {
		panic(fmt.Errorf("ftrace: first call invoked with a non-empty stack"))
	}
	t.cur = curReader{kind: mainReader}
	main := t.images.main
	if fn, ok := main.Find(targetPC); ok {
		t.pushLocal(main, fn, regs)
		return
	}
	lo, hi := main.GapBounds(targetPC)
	t.pushAnonymous(main, lo, hi, regs)
}

func (t *CallTracer) switchAndPush(targetPC uint64, regs []uint64) {
	img, cur, found := t.images.Locate(targetPC, t.cur)
	if !found {
		t.pushAnonymous(nil, 0, 0, regs)
		return
	}
	t.cur = cur
	if fn, ok := img.Find(targetPC); ok {
		t.pushLocal(img, fn, regs)
		return
	}
	lo, hi := img.GapBounds(targetPC)
	t.pushAnonymous(img, lo, hi, regs)
}

func (t *CallTracer) pushLocal(img *SymbolImage, fn *Func, regs []uint64) {
	now := t.now()
	f := &Frame{Image: img, Index: fn.Index, Kind: Local, Entry: now, Exit: now}
	if t.showContext {
		f.Params = cloneRegs(regs)
	}
	t.stack = append(t.stack, f)
	t.log.push(f, now)
}

// pushAnonymous pushes a frame for code the tracer could not resolve to a
// named function. Consecutive anonymous events collapse: the log and the
// stack each keep at most one External frame in a row, checked
// independently of one another.
func (t *CallTracer) pushAnonymous(img *SymbolImage, lo, hi uint64, regs []uint64) {
	now := t.now()
	f := &Frame{Image: img, Kind: External, GapLo: lo, GapHi: hi, Entry: now, Exit: now}
	if t.showContext {
		f.Params = cloneRegs(regs)
	}
	if last := t.log.Last(); last == nil || last.Kind != External {
		t.log.push(f, now)
	}
	if top := t.topFrame(); top == nil || top.Kind != External {
		t.stack = append(t.stack, f)
	}
}

// inBounds reports whether pc is still within the extent the frame f was
// pushed for.
func (t *CallTracer) inBounds(f *Frame, pc uint64) bool {
	switch {
	case f.Kind == Local:
		fn, ok := f.Image.Get(f.Index)
		return ok && fn.Start <= pc && pc < fn.End
	case f.Image != nil:
		return f.GapLo <= pc && pc < f.GapHi
	default:
		return false
	}
}

// HandleReturn processes a recognized return to targetPC, with the
// conventional return-value pair captured from x10/x11.
func (t *CallTracer) HandleReturn(targetPC uint64, ret0, ret1 uint64) {
	if len(t.stack) == 0 {
		panic(fmt.Errorf("ftrace: return with an empty stack"))
	}

	now := t.now()
	top := t.topFrame()
	top.finalize(now)
	if t.showContext {
		top.setReturn(ret0, ret1)
	}

	matchIdx := -1
	hasExt := false
	for i := 0; i < len(t.stack); i++ {
		fr := t.stack[i]
		if fr.Kind == External {
			hasExt = true
			continue
		}
		if t.inBounds(fr, targetPC) {
			matchIdx = i
			break
		}
	}

	switch {
	case matchIdx == len(t.stack)-1:
		panic(fmt.Errorf("ftrace: return target is on the top of the call stack"))

	case matchIdx >= 0:
		for i := len(t.stack) - 1; i > matchIdx; i-- {
			popped := t.stack[i]
			popped.finalize(now)
			popped.clearParams()
		}
		t.stack = t.stack[:matchIdx+1]
		t.log.push(t.stack[matchIdx], now)

	case hasExt:
		if last := t.log.Last(); last == nil || last.Kind != External {
			t.log.push(&Frame{Kind: External, Entry: now, Exit: now}, now)
		}

	default:
		panic(fmt.Errorf("ftrace: return target 0x%x matches no frame on the stack", targetPC))
	}
}

// WriteStack writes the current shadow stack, deepest-first, one frame
// per line after a header, matching the external print_stack contract.
func (t *CallTracer) WriteStack(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "========================STACK TRACE========================"); err != nil {
		return err
	}
	for i := len(t.stack) - 1; i >= 0; i-- {
		depth := len(t.stack) - 1 - i
		f := t.stack[i]
		if f.Kind == Local {
			if fn, ok := f.Image.Get(f.Index); ok {
				fmt.Fprintf(w, "@%d, function: %s, start: %d, end: %d\n", depth, fn.Name, fn.Start, fn.End)
				continue
			}
		}
		fmt.Fprintf(w, "@%d, function: unknown\n", depth)
	}
	return nil
}
