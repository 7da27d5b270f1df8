// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/modbus-remote/transport"
)

// Layout:
// - Magic: 8 bytes (Offset 0)
// - Write offset in the ring: uint32 little endian (Offset 8)
// - Wrapped flag: uint32 little endian (Offset 12)
// - Ring: newline terminated entries (Offset 16)
//
// Bytes of the ring that hold no entry are zero.
const (
	headerSize   = 16
	offsetCursor = 8
	offsetWrap   = 12
	minFileSize  = headerSize + 256
)

var magic = []byte("MBCAP001")

// MmapRecorder is a flight recorder backed by a memory-mapped ring file.
// Entries survive a crash of the process and the file is reopened where it
// left off.
type MmapRecorder struct {
	path string
	file *os.File

	mu      sync.Mutex
	data    mmap.MMap
	ring    []byte
	cursor  int
	wrapped bool
}

// OpenMmapRecorder maps the ring file at path, creating or resizing it to size bytes.
func OpenMmapRecorder(path string, size int) (*MmapRecorder, error) {
	if size < minFileSize {
		size = minFileSize
	}

	// Open file, creating if necessary
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	resized := fi.Size() != int64(size)
	if resized {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize capture file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	mr := &MmapRecorder{
		path: path,
		file: f,
		data: data,
		ring: data[headerSize:],
	}
	cursor := int(binary.LittleEndian.Uint32(data[offsetCursor:]))
	if resized || !bytes.Equal(data[:len(magic)], magic) || cursor > len(mr.ring) {
		mr.reset()
	} else {
		mr.cursor = cursor
		mr.wrapped = binary.LittleEndian.Uint32(data[offsetWrap:]) != 0
	}
	return mr, nil
}

// reset clears the ring. Caller must hold the mutex or own mr exclusively.
func (mr *MmapRecorder) reset() {
	clear(mr.data)
	copy(mr.data, magic)
	mr.cursor = 0
	mr.wrapped = false
	mr.storeHeader()
}

func (mr *MmapRecorder) storeHeader() {
	binary.LittleEndian.PutUint32(mr.data[offsetCursor:], uint32(mr.cursor))
	var wrapped uint32
	if mr.wrapped {
		wrapped = 1
	}
	binary.LittleEndian.PutUint32(mr.data[offsetWrap:], wrapped)
}

func (mr *MmapRecorder) Record(endpoint string, dir transport.Direction, b []byte) {
	line := []byte(formatLine(time.Now(), endpoint, dir, b))
	line = append(line, '\n')

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.data == nil {
		return
	}
	if len(line) > len(mr.ring) {
		line = append(line[:len(mr.ring)-1], '\n')
	}
	if mr.cursor+len(line) > len(mr.ring) {
		clear(mr.ring[mr.cursor:])
		mr.cursor = 0
		mr.wrapped = true
	}

	end := mr.cursor + len(line)
	// An old entry cut in half by the new one is erased up to its newline,
	// so the ring only ever holds whole entries.
	cut := end < len(mr.ring) && mr.ring[end-1] != '\n' && mr.ring[end-1] != 0
	copy(mr.ring[mr.cursor:], line)
	if cut {
		for i := end; i < len(mr.ring); i++ {
			c := mr.ring[i]
			mr.ring[i] = 0
			if c == '\n' || c == 0 {
				break
			}
		}
	}
	mr.cursor = end
	mr.storeHeader()
}

func (mr *MmapRecorder) Lines() []string {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.data == nil {
		return nil
	}

	var content []byte
	if mr.wrapped {
		content = append(content, mr.ring[mr.cursor:]...)
	}
	content = append(content, mr.ring[:mr.cursor]...)

	var lines []string
	for _, entry := range bytes.Split(content, []byte{'\n'}) {
		entry = bytes.Trim(entry, "\x00")
		if len(entry) > 0 {
			lines = append(lines, string(entry))
		}
	}
	return lines
}

// Flush writes the mapped pages to disk.
func (mr *MmapRecorder) Flush() error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	return mr.data.Flush()
}

// Close flushes, unmaps and closes the file.
func (mr *MmapRecorder) Close() error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	var err error
	if mr.data != nil {
		if e := mr.data.Flush(); e != nil {
			slog.Error("Failed to flush capture", "path", mr.path, "err", e)
		}
		if e := mr.data.Unmap(); e != nil {
			err = e
		}
		mr.data = nil
		mr.ring = nil
	}
	if mr.file != nil {
		if e := mr.file.Close(); e != nil {
			err = e
		}
		mr.file = nil
	}
	return err
}
