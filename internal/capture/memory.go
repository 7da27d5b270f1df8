// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package capture

import (
	"sync"
	"time"

	"github.com/ffutop/modbus-remote/transport"
)

// MemoryRecorder keeps the last entries in memory (non-persistent).
type MemoryRecorder struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewMemoryRecorder keeps at most size entries.
func NewMemoryRecorder(size int) *MemoryRecorder {
	return &MemoryRecorder{lines: make([]string, size)}
}

func (mr *MemoryRecorder) Record(endpoint string, dir transport.Direction, b []byte) {
	line := formatLine(time.Now(), endpoint, dir, b)

	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.lines[mr.next] = line
	mr.next++
	if mr.next == len(mr.lines) {
		mr.next = 0
		mr.full = true
	}
}

func (mr *MemoryRecorder) Lines() []string {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if !mr.full {
		return append([]string(nil), mr.lines[:mr.next]...)
	}
	out := make([]string, 0, len(mr.lines))
	out = append(out, mr.lines[mr.next:]...)
	return append(out, mr.lines[:mr.next]...)
}

func (mr *MemoryRecorder) Close() error {
	return nil
}
