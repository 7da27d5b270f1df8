// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package harness runs named tests against remote parties and keeps a log
// of what they reported.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Inputs maps input field names to their raw values.
type Inputs map[string]string

// Uint16 parses the named field as a base 10 number.
func (in Inputs) Uint16(name string) (uint16, error) {
	raw, ok := in[name]
	if !ok {
		return 0, fmt.Errorf("input %q is missing", name)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("input %q: %w", name, err)
	}
	return uint16(v), nil
}

// Test is one named action. Run usually starts a request and reports the
// result later through the framework log.
type Test struct {
	Name string
	Run  func(ctx context.Context, in Inputs) error
}

// Framework holds the tests, the input fields gathered for them and the log.
type Framework struct {
	tests  []Test
	inputs []string
	out    io.Writer

	mu  sync.Mutex
	log strings.Builder
}

// New creates a Framework. Only the named inputs are passed to the tests.
// Every log message is also written to out when it is not nil.
func New(tests []Test, inputs []string, out io.Writer) *Framework {
	return &Framework{
		tests:  tests,
		inputs: inputs,
		out:    out,
	}
}

// Names lists the tests in order.
func (f *Framework) Names() []string {
	names := make([]string, len(f.tests))
	for i, t := range f.tests {
		names[i] = t.Name
	}
	return names
}

// Inputs lists the input fields the tests read.
func (f *Framework) Inputs() []string {
	return append([]string(nil), f.inputs...)
}

// Run runs the test at index with the configured inputs taken from in.
// Errors and panics of the test are logged, not returned.
func (f *Framework) Run(ctx context.Context, index int, in Inputs) error {
	if index < 0 || index >= len(f.tests) {
		return fmt.Errorf("no test at index %d", index)
	}
	t := f.tests[index]
	if t.Run == nil {
		return nil
	}

	gathered := make(Inputs, len(f.inputs))
	for _, name := range f.inputs {
		if v, ok := in[name]; ok {
			gathered[name] = v
		}
	}

	defer func() {
		if r := recover(); r != nil {
			f.exception(t.Name, r)
		}
	}()
	if err := t.Run(ctx, gathered); err != nil {
		f.exception(t.Name, err)
	}
	return nil
}

// RunNamed runs the test called name, ignoring case.
func (f *Framework) RunNamed(ctx context.Context, name string, in Inputs) error {
	for i, t := range f.tests {
		if strings.EqualFold(t.Name, name) || strings.EqualFold(testID(t.Name), name) {
			return f.Run(ctx, i, in)
		}
	}
	return fmt.Errorf("unknown test: %s", name)
}

// testID returns the part of a name before the colon, e.g. "FC-03".
func testID(name string) string {
	id, _, _ := strings.Cut(name, ":")
	return strings.TrimSpace(id)
}

func (f *Framework) exception(name string, cause any) {
	slog.Error("Test function failed", "test", name, "err", cause)
	f.Log(fmt.Sprintf("Exception caught while running test function for %s: %v", name, cause))
}

// Log appends message to the log.
func (f *Framework) Log(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.WriteString(message)
	f.log.WriteString("\n")
	if f.out != nil {
		fmt.Fprintln(f.out, message)
	}
}

// Clear empties the log.
func (f *Framework) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.Reset()
}

// Messages returns the whole log.
func (f *Framework) Messages() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log.String()
}
