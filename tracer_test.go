package ftrace

import (
	"strings"
	"testing"
)

func newTestTracer(t *testing.T) *CallTracer {
	t.Helper()
	main := newSymbolImageFromFuncs(0, "main", []Func{
		{Kind: Local, Name: "foo", Start: 0x1000, End: 0x1100},
		{Kind: Local, Name: "bar", Start: 0x1100, End: 0x1200},
	})
	return NewCallTracer(&ImageSet{main: main}, false)
}

func TestTracerSingleCallPushesFrame(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)

	if len(tr.stack) != 1 || tr.stack[0].Name() != "foo" {
		t.Fatalf("stack = %v, want [foo]", tr.stack)
	}
	if tr.log.Len() != 1 {
		t.Fatalf("log.Len() = %d, want 1", tr.log.Len())
	}
}

func TestTracerNestedCallPushesSecondFrame(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x1108, regs)

	if len(tr.stack) != 2 || tr.stack[0].Name() != "foo" || tr.stack[1].Name() != "bar" {
		t.Fatalf("stack = %v, want [foo bar]", tr.stack)
	}
	if tr.log.Len() != 2 {
		t.Fatalf("log.Len() = %d, want 2", tr.log.Len())
	}
}

func TestTracerReturnPopsToCallerFrame(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x1108, regs)
	tr.HandleReturn(0x1004, 0, 0)

	if len(tr.stack) != 1 || tr.stack[0].Name() != "foo" {
		t.Fatalf("stack = %v, want [foo]", tr.stack)
	}
	if tr.log.Len() != 3 {
		t.Fatalf("log.Len() = %d, want 3 (foo, bar, foo)", tr.log.Len())
	}
	barFrame, _ := tr.log.At(1)
	if barFrame.Exit < barFrame.Entry {
		t.Fatalf("bar's exit time should be >= its entry time")
	}
}

func TestTracerInBoundsJumpSuppressesPush(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x1050, regs) // inside foo

	if len(tr.stack) != 1 {
		t.Fatalf("stack = %v, want [foo] (in-bounds jump should not push)", tr.stack)
	}
	if tr.log.Len() != 1 {
		t.Fatalf("log.Len() = %d, want 1", tr.log.Len())
	}
}

func TestTracerAnonymousCallOutsideEveryImage(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x9000, regs) // outside main and every aux

	if len(tr.stack) != 2 || tr.stack[1].Kind != External || tr.stack[1].Image != nil {
		t.Fatalf("expected an imageless External frame pushed, got %+v", tr.stack)
	}
}

func TestTracerRepeatedAnonymousCallIdempotent(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x9000, regs)
	tr.HandleCall(0x9004, regs)
	tr.HandleCall(0x9008, regs)

	if len(tr.stack) != 2 {
		t.Fatalf("stack depth = %d, want 2 (consecutive anonymous calls collapse)", len(tr.stack))
	}
	if tr.log.Len() != 2 {
		t.Fatalf("log.Len() = %d, want 2", tr.log.Len())
	}
}

func TestTracerReturnIntoUnknownCodeLogsAnonymous(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)   // foo
	tr.HandleCall(0x9000, regs)   // anonymous, outside every image
	tr.HandleCall(0x1108, regs)   // bar, called from unknown code
	tr.HandleReturn(0x9004, 0, 0) // returns into the unknown code

	// No Local frame contains 0x9004; the External frame on the stack
	// absorbs the return, which is recorded in the log only.
	if len(tr.stack) != 3 {
		t.Fatalf("stack depth = %d, want 3 (return into unknown code leaves the stack alone)", len(tr.stack))
	}
	if last := tr.log.Last(); last == nil || last.Kind != External {
		t.Fatalf("expected an External frame appended to the log")
	}
	if tr.log.Len() != 4 {
		t.Fatalf("log.Len() = %d, want 4 (foo, anon, bar, anon)", tr.log.Len())
	}
}

func TestTracerCallIntoAuxiliaryImage(t *testing.T) {
	main := newSymbolImageFromFuncs(0, "main", []Func{
		{Kind: Local, Name: "main.foo", Start: 0x1000, End: 0x1100},
	})
	aux := newSymbolImageFromFuncs(1, "libfoo", []Func{
		{Kind: Local, Name: "libfoo.baz", Start: 0x3000, End: 0x3100},
	})
	tr := NewCallTracer(&ImageSet{main: main, aux: []*SymbolImage{aux}}, false)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x3010, regs)

	if len(tr.stack) != 2 || tr.stack[1].Name() != "libfoo.baz" {
		t.Fatalf("stack = %v, want [main.foo libfoo.baz]", tr.stack)
	}
	if tr.cur.kind != auxReader || tr.cur.index != 0 {
		t.Fatalf("cursor = %+v, want the auxiliary image", tr.cur)
	}
}

func TestTracerAnonymousGapFrameBounds(t *testing.T) {
	main := newSymbolImageFromFuncs(0, "main", []Func{
		{Kind: Local, Name: "foo", Start: 0x1000, End: 0x1010},
		{Kind: Local, Name: "bar", Start: 0x1020, End: 0x1030},
	})
	tr := NewCallTracer(&ImageSet{main: main}, false)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs) // foo
	tr.HandleCall(0x1014, regs) // in the gap between foo and bar

	if len(tr.stack) != 2 || tr.stack[1].Kind != External || tr.stack[1].Image == nil {
		t.Fatalf("expected an in-image External frame, got %+v", tr.stack)
	}

	tr.HandleCall(0x1018, regs) // still inside the same gap

	if len(tr.stack) != 2 || tr.log.Len() != 2 {
		t.Fatalf("a jump within the same gap should not push (stack %d, log %d)", len(tr.stack), tr.log.Len())
	}
}

func TestTracerReturnToSelfPanics(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)
	tr.HandleCall(0x1000, regs)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic returning to the current top of stack")
		}
	}()
	tr.HandleReturn(0x1050, 0, 0)
}

func TestTracerReturnWithEmptyStackPanics(t *testing.T) {
	tr := newTestTracer(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic returning with an empty stack")
		}
	}()
	tr.HandleReturn(0x1000, 0, 0)
}

func TestTracerReturnNoMatchNoExternalPanics(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)
	tr.HandleCall(0x1000, regs)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic: return target matches no frame and no External frame exists")
		}
	}()
	tr.HandleReturn(0x1180, 0, 0) // inside bar, which was never pushed
}

func TestTracerContextCaptureSetsReturnValue(t *testing.T) {
	main := newSymbolImageFromFuncs(0, "main", []Func{
		{Kind: Local, Name: "foo", Start: 0x1000, End: 0x1100},
		{Kind: Local, Name: "bar", Start: 0x1100, End: 0x1200},
	})
	tr := NewCallTracer(&ImageSet{main: main}, true)
	regs := make([]uint64, 32)

	tr.HandleCall(0x1000, regs) // push foo
	tr.HandleCall(0x1108, regs) // push bar
	if tr.stack[0].Params == nil || tr.stack[1].Params == nil {
		t.Fatalf("expected a parameter snapshot captured on every frame")
	}

	tr.HandleReturn(0x1004, 7, 8) // returns into foo, popping bar

	if len(tr.stack) != 1 || tr.stack[0].Name() != "foo" {
		t.Fatalf("stack = %v, want [foo]", tr.stack)
	}
	// log is [foo, bar, foo]; bar (index 1) carries the captured return value
	// and has had its parameter snapshot reclaimed on pop.
	barEntry := tr.log.frames[1]
	ret0, ret1, ok := barEntry.Return()
	if !ok || ret0 != 7 || ret1 != 8 {
		t.Fatalf("bar's Return() = (%d, %d, %v), want (7, 8, true)", ret0, ret1, ok)
	}
	if barEntry.Params != nil {
		t.Fatalf("bar's parameter snapshot should be cleared after it was popped")
	}
}

func TestWriteStackDeepestFirst(t *testing.T) {
	tr := newTestTracer(t)
	regs := make([]uint64, 32)
	tr.HandleCall(0x1000, regs)
	tr.HandleCall(0x1108, regs)

	var sb strings.Builder
	if err := tr.WriteStack(&sb); err != nil {
		t.Fatalf("WriteStack: %v", err)
	}
	want := "========================STACK TRACE========================\n" +
		"@0, function: bar, start: 4352, end: 4608\n" +
		"@1, function: foo, start: 4096, end: 4352\n"
	if sb.String() != want {
		t.Fatalf("WriteStack =\n%s\nwant\n%s", sb.String(), want)
	}
}
