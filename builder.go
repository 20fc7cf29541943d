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
	"errors"
	"fmt"
	"os"
	"sync"
	"unicode/utf8"
)

const maxPathLen = 300

// Builder accumulates the main image path, auxiliary image paths, and the
// context-capture flag, then constructs a CallTracer from them. Each call
// to Build constructs a new CallTracer; only the package-level facade
// below (BuildBuilder) refuses a second build. It is intentionally thin —
// no tracing logic lives here.
type Builder struct {
	mainPath    string
	auxPaths    []string
	showContext bool
}

func NewBuilder(mainPath string) *Builder {
	return &Builder{mainPath: mainPath}
}

func (b *Builder) SetShowContext(show bool) *Builder {
	b.showContext = show
	return b
}

func (b *Builder) AddAuxPath(path string) *Builder {
	for _, p := range b.auxPaths {
		if p == path {
			return b
		}
	}
	b.auxPaths = append(b.auxPaths, path)
	return b
}

func (b *Builder) Build() (*CallTracer, error) {
	images, err := NewImageSet(b.mainPath, b.auxPaths)
	if err != nil {
		return nil, fmt.Errorf("ftrace: building tracer: %w", err)
	}
	return NewCallTracer(images, b.showContext), nil
}

// The remainder of this file is the package-level facade matching the
// shape of a foreign caller's entry points (start_builder/set_show_context/
// add_prog_path/build_builder/check_instruction/print_stack): ordinary Go
// functions fulfilling the same one-shot-configuration contract a caller
// with no place to thread a *CallTracer value would need. New code should
// prefer Builder/CallTracer directly; this exists only to give that
// contract a body.

var (
	facadeMu      sync.Mutex
	facadeBuilder *Builder
	facadeTracer  *CallTracer
)

func validatePath(path string) error {
	if len(path) > maxPathLen {
		return fmt.Errorf("ftrace: path exceeds %d bytes", maxPathLen)
	}
	if !utf8.ValidString(path) {
		return errors.New("ftrace: path is not valid UTF-8")
	}
	return nil
}

// StartBuilder creates the package-level builder. Any later call fails,
// both before and after BuildBuilder, until ResetBuilder clears the facade
// state; idempotency-on-first-call falls naturally out of facadeBuilder or
// facadeTracer already being non-nil, with no separate init latch needed.
func StartBuilder(mainPath string) error {
	if err := validatePath(mainPath); err != nil {
		return err
	}
	facadeMu.Lock()
	defer facadeMu.Unlock()
	if facadeBuilder != nil || facadeTracer != nil {
		return errors.New("ftrace: builder already started")
	}
	facadeBuilder = NewBuilder(mainPath)
	return nil
}

func SetShowContext(show bool) error {
	facadeMu.Lock()
	defer facadeMu.Unlock()
	if facadeBuilder == nil {
		return errors.New("ftrace: builder not started")
	}
	facadeBuilder.SetShowContext(show)
	return nil
}

func AddProgPath(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	facadeMu.Lock()
	defer facadeMu.Unlock()
	if facadeBuilder == nil {
		return errors.New("ftrace: builder not started")
	}
	facadeBuilder.AddAuxPath(path)
	return nil
}

func BuildBuilder() error {
	facadeMu.Lock()
	defer facadeMu.Unlock()
	if facadeBuilder == nil {
		return errors.New("ftrace: builder not started")
	}
	if facadeTracer != nil {
		return errors.New("ftrace: tracer already built")
	}
	tracer, err := facadeBuilder.Build()
	if err != nil {
		return err
	}
	facadeTracer = tracer
	facadeBuilder = nil
	return nil
}

func CheckInstruction(pc uint64, inst uint32, regs []uint64) error {
	if regs == nil {
		return errors.New("ftrace: regs is nil")
	}
	facadeMu.Lock()
	tracer := facadeTracer
	facadeMu.Unlock()
	if tracer == nil {
		return errors.New("ftrace: tracer not built")
	}
	return tracer.Step(pc, inst, regs)
}

func PrintStack(path string) error {
	facadeMu.Lock()
	tracer := facadeTracer
	facadeMu.Unlock()
	if tracer == nil {
		return errors.New("ftrace: tracer not built")
	}
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ftrace: writing stack: %w", err)
	}
	defer w.Close()
	return tracer.WriteStack(w)
}

// ResetBuilder clears the package-level facade state. It exists for
// tests that rebuild a tracer across cases.
func ResetBuilder() {
	facadeMu.Lock()
	defer facadeMu.Unlock()
	facadeBuilder = nil
	facadeTracer = nil
}
