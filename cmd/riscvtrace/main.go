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

// Command riscvtrace drives a CallTracer from a recorded stream of
// decoded control-transfer instructions, standing in for the RISC-V
// emulator that would otherwise call CheckInstruction one instruction at
// a time. It exists to exercise the tracer from the command line; the
// events file format it reads is not part of the core and carries none of
// its invariants.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/stealthrocket/ftrace"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type program struct {
	mainPath    string
	auxPaths    []string
	eventsPath  string
	showContext bool
	stackOut    string
	profileOut  string
}

func (prog *program) run(ctx context.Context) error {
	builder := ftrace.NewBuilder(prog.mainPath).SetShowContext(prog.showContext)
	for _, p := range prog.auxPaths {
		builder.AddAuxPath(p)
	}

	tracer, err := builder.Build()
	if err != nil {
		return fmt.Errorf("building tracer: %w", err)
	}

	start := time.Now()
	if err := replayEvents(ctx, tracer, prog.eventsPath); err != nil {
		return fmt.Errorf("replaying events: %w", err)
	}

	if prog.stackOut != "" {
		w, err := os.Create(prog.stackOut)
		if err != nil {
			return fmt.Errorf("writing stack dump: %w", err)
		}
		defer w.Close()
		if err := tracer.WriteStack(w); err != nil {
			return fmt.Errorf("writing stack dump: %w", err)
		}
	}

	if prog.profileOut != "" {
		if err := ftrace.WriteProfile(prog.profileOut, tracer.Profile(start)); err != nil {
			return fmt.Errorf("writing profile: %w", err)
		}
	}

	return nil
}

// replayEvents reads one decoded control transfer per line:
//
//	<pc> <instruction> <x0> <x1> ... <x31>
//
// each field hex (0x-prefixed) or decimal.
func replayEvents(ctx context.Context, tracer *ftrace.CallTracer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 34 {
			return fmt.Errorf("line %d: expected 34 fields (pc, inst, 32 regs), got %d", line, len(fields))
		}

		pc, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: parsing pc: %w", line, err)
		}
		inst, err := strconv.ParseUint(fields[1], 0, 32)
		if err != nil {
			return fmt.Errorf("line %d: parsing instruction: %w", line, err)
		}
		regs := make([]uint64, 32)
		for i := 0; i < 32; i++ {
			regs[i], err = strconv.ParseUint(fields[2+i], 0, 64)
			if err != nil {
				return fmt.Errorf("line %d: parsing x%d: %w", line, i, err)
			}
		}

		if err := tracer.Step(pc, uint32(inst), regs); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}

func parseArgs(args []string) (*program, error) {
	fs := pflag.NewFlagSet("riscvtrace", pflag.ContinueOnError)

	prog := &program{}
	fs.StringVar(&prog.mainPath, "main", "", "main ELF image (required)")
	aux := fs.StringArray("aux", nil, "auxiliary ELF image (repeatable)")
	fs.StringVar(&prog.eventsPath, "events", "", "newline-delimited decoded instruction events (required)")
	fs.BoolVar(&prog.showContext, "show-context", false, "capture argument/return-value snapshots")
	fs.StringVar(&prog.stackOut, "stack-out", "", "write the final shadow-stack dump to this path")
	fs.StringVar(&prog.profileOut, "profile-out", "", "write a pprof profile of the trace log to this path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	prog.auxPaths = *aux

	if prog.mainPath == "" {
		return nil, fmt.Errorf("--main is required")
	}
	if prog.eventsPath == "" {
		return nil, fmt.Errorf("--events is required")
	}
	return prog, nil
}

func run(ctx context.Context) error {
	prog, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}
	return prog.run(ctx)
}
